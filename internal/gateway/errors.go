package gateway

import (
	"errors"
	"net/http"

	"zipgate/internal/archive"
	"zipgate/internal/fetch"
	"zipgate/internal/manifest"
)

// classify maps a serving error onto an HTTP status and a short diagnostic.
// ready reports whether the gateway has ever had something to serve; an
// unreachable upstream before that is 503 rather than 502. Diagnostics never
// carry upstream references, which may be capabilities.
func classify(err error, ready bool) (int, string) {
	switch {
	case errors.Is(err, manifest.ErrInvalid):
		return http.StatusInternalServerError, "invalid manifest"
	case errors.Is(err, archive.ErrMalformed):
		return http.StatusBadGateway, "malformed archive"
	case errors.Is(err, fetch.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "range not satisfiable"
	case errors.Is(err, fetch.ErrUnavailable):
		if !ready {
			return http.StatusServiceUnavailable, "upstream unavailable"
		}
		return http.StatusBadGateway, "upstream unavailable"
	case errors.Is(err, archive.ErrNotFound),
		errors.Is(err, archive.ErrMemberNotFound),
		errors.Is(err, fetch.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, archive.ErrNoSource):
		return http.StatusServiceUnavailable, "no archive configured"
	}
	return http.StatusInternalServerError, "internal error"
}
