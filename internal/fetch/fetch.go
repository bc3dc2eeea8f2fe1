// Package fetch is the boundary between the gateway and whatever remote store
// holds the published bytes. Every adapter answers the same two questions:
// what is the metadata of ref, and give me a byte stream for ref.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrUnavailable means the remote store could not be reached or answered
	// with a server-side failure.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrNotFound means the remote store does not know the reference.
	ErrNotFound = errors.New("upstream object not found")
	// ErrRangeNotSatisfiable means the remote store rejected a forwarded range.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Meta is transport metadata for one object. Size is -1 when unknown.
type Meta struct {
	Status       int
	Size         int64
	ETag         string
	LastModified string
	ContentType  string
}

// Response is an open byte stream. The caller must close Body.
type Response struct {
	Meta
	Header http.Header
	Body   io.ReadCloser
}

// Fetcher fetches bytes and metadata for a capability reference.
type Fetcher interface {
	Head(ctx context.Context, ref string) (Meta, error)
	Get(ctx context.Context, ref string, rangeHeader string) (*Response, error)
}

// Error describes a failed upstream operation. Kind is one of the package
// sentinels so callers can test it with errors.Is.
type Error struct {
	Op     string
	Ref    string
	Status int
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unavailable(op, ref string, err error) error {
	return &Error{Op: op, Ref: ref, Kind: ErrUnavailable, Err: err}
}

// statusError classifies a non-success upstream status. It returns nil for
// statuses that should be passed through to the client untouched.
func statusError(op, ref string, status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return &Error{Op: op, Ref: ref, Status: status, Kind: ErrNotFound}
	case status == http.StatusRequestedRangeNotSatisfiable:
		return &Error{Op: op, Ref: ref, Status: status, Kind: ErrRangeNotSatisfiable}
	case status >= 500:
		return &Error{Op: op, Ref: ref, Status: status, Kind: ErrUnavailable}
	}
	return nil
}
