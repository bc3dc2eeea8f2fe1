package fetch

import (
	"context"
	"fmt"
	"strings"
)

// CASFetcher reads objects from a content-addressed storage node. A reference
// "cas://<address>" maps to {base}/storage/<address>, the same layout the
// publisher uploads to.
type CASFetcher struct {
	base string
	http *HTTPFetcher
}

func NewCASFetcher(baseURL string, h *HTTPFetcher) *CASFetcher {
	return &CASFetcher{base: strings.TrimRight(baseURL, "/"), http: h}
}

func (c *CASFetcher) url(ref string) (string, error) {
	addr := strings.TrimPrefix(ref, "cas://")
	addr = strings.Trim(addr, "/")
	if addr == "" || strings.ContainsAny(addr, "/?#") {
		return "", fmt.Errorf("invalid content address %q", ref)
	}
	if c.base == "" {
		return "", fmt.Errorf("no content store configured for %q", ref)
	}
	return c.base + "/storage/" + addr, nil
}

func (c *CASFetcher) Head(ctx context.Context, ref string) (Meta, error) {
	u, err := c.url(ref)
	if err != nil {
		return Meta{}, unavailable("head", ref, err)
	}
	m, err := c.http.Head(ctx, u)
	if err != nil {
		return Meta{}, err
	}
	// Content addresses are their own entity tag.
	if m.ETag == "" {
		m.ETag = `"` + strings.TrimPrefix(ref, "cas://") + `"`
	}
	return m, nil
}

func (c *CASFetcher) Get(ctx context.Context, ref string, rangeHeader string) (*Response, error) {
	u, err := c.url(ref)
	if err != nil {
		return nil, unavailable("get", ref, err)
	}
	return c.http.Get(ctx, u, rangeHeader)
}
