package fetch

import (
	"context"
	"fmt"
	"strings"
)

// Router dispatches references to adapters by URL scheme. References without
// a scheme go to the "" entry, if any.
type Router struct {
	schemes map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{schemes: map[string]Fetcher{}}
}

// Handle registers f for scheme. It returns the router for chaining.
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[strings.ToLower(scheme)] = f
	return r
}

func (r *Router) pick(op, ref string) (Fetcher, error) {
	scheme := ""
	if i := strings.Index(ref, "://"); i > 0 {
		scheme = strings.ToLower(ref[:i])
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, unavailable(op, ref, fmt.Errorf("no fetcher for scheme %q", scheme))
	}
	return f, nil
}

func (r *Router) Head(ctx context.Context, ref string) (Meta, error) {
	f, err := r.pick("head", ref)
	if err != nil {
		return Meta{}, err
	}
	return f.Head(ctx, ref)
}

func (r *Router) Get(ctx context.Context, ref string, rangeHeader string) (*Response, error) {
	f, err := r.pick("get", ref)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx, ref, rangeHeader)
}
