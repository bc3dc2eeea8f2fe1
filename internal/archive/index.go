package archive

import (
	"path"
	"sort"
	"strings"
)

// Index is the read-only set of member names of one open archive. Names use
// forward slashes and carry no leading or trailing slash. An Index is built
// once per open and never mutated.
type Index struct {
	names  map[string]struct{}
	sorted []string
}

// NewIndex builds an index from raw archive member names. Directory entries
// and empty names are dropped.
func NewIndex(raw []string) *Index {
	ix := &Index{names: make(map[string]struct{}, len(raw))}
	for _, n := range raw {
		n, ok := memberName(n)
		if !ok {
			continue
		}
		if _, dup := ix.names[n]; dup {
			continue
		}
		ix.names[n] = struct{}{}
		ix.sorted = append(ix.sorted, n)
	}
	sort.Strings(ix.sorted)
	return ix
}

// memberName normalizes a raw archive entry name. Directory entries report false.
func memberName(raw string) (string, bool) {
	n := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasSuffix(n, "/") {
		return "", false
	}
	n = strings.TrimPrefix(strings.TrimPrefix(n, "./"), "/")
	return n, n != ""
}

func (ix *Index) Has(name string) bool {
	_, ok := ix.names[name]
	return ok
}

func (ix *Index) Len() int { return len(ix.sorted) }

// Names returns the member names in sorted order.
func (ix *Index) Names() []string {
	out := make([]string, len(ix.sorted))
	copy(out, ix.sorted)
	return out
}

// HasDir reports whether any member lives under dir + "/".
func (ix *Index) HasDir(dir string) bool {
	prefix := dir + "/"
	if dir == "" {
		return len(ix.sorted) > 0
	}
	i := sort.SearchStrings(ix.sorted, prefix)
	return i < len(ix.sorted) && strings.HasPrefix(ix.sorted[i], prefix)
}

// NormalizePath turns a request path into a member-style name: "." and ".."
// segments are collapsed, the leading slash is stripped and the root becomes "".
// Traversal above the root is clamped to the root.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}
