package archive

import (
	"errors"
	"fmt"
)

// ErrNotFound means no member could be resolved for a request path.
var ErrNotFound = errors.New("no archive member for path")

// IndexFiles are tried, in order, for the root and for directories.
var IndexFiles = []string{"index.html", "index.htm"}

// Resolver maps request paths to archive members. The zero value never falls
// back to the root index for unknown paths.
type Resolver struct {
	// SPAFallback serves the root index.html for paths that match nothing.
	SPAFallback bool
}

// Resolve picks the member for path p. First match wins:
// root index, exact member, directory index, SPA fallback.
func (r Resolver) Resolve(ix *Index, p string) (string, error) {
	name := NormalizePath(p)

	if name == "" {
		if idx, ok := findIndex(ix, ""); ok {
			return idx, nil
		}
		return "", fmt.Errorf("/: %w", ErrNotFound)
	}

	if ix.Has(name) {
		return name, nil
	}

	if ix.HasDir(name) {
		if idx, ok := findIndex(ix, name); ok {
			return idx, nil
		}
	}

	if r.SPAFallback && ix.Has(IndexFiles[0]) {
		return IndexFiles[0], nil
	}
	return "", fmt.Errorf("/%s: %w", name, ErrNotFound)
}

func findIndex(ix *Index, dir string) (string, bool) {
	for _, f := range IndexFiles {
		cand := f
		if dir != "" {
			cand = dir + "/" + f
		}
		if ix.Has(cand) {
			return cand, true
		}
	}
	return "", false
}
