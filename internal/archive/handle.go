package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"

	"zipgate/internal/fetch"
)

var (
	// ErrMemberNotFound means the open archive has no member with that name.
	ErrMemberNotFound = errors.New("archive member not found")
	// ErrMalformed means downloaded bytes did not decode as a ZIP archive.
	ErrMalformed = errors.New("malformed archive")
)

// handle is one open archive plus the temp file backing it. Readers pin it
// with acquire/release; the cache retires it when a newer one replaces it and
// the last release closes it.
type handle struct {
	ref      string
	remote   fetch.Meta
	digest   string
	etag     string
	modTime  time.Time
	size     int64
	openedAt time.Time

	file    *os.File
	zr      *zip.Reader
	members map[string]*zip.File
	index   *Index

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

func openHandle(ref string, remote fetch.Meta, f *os.File, size int64, digest string, now time.Time) (*handle, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, ref, err)
	}
	raw := make([]string, 0, len(zr.File))
	members := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		raw = append(raw, zf.Name)
	}
	ix := NewIndex(raw)
	for _, zf := range zr.File {
		name, ok := memberName(zf.Name)
		if !ok {
			continue
		}
		if _, dup := members[name]; !dup {
			members[name] = zf
		}
	}

	mod := now
	if t, err := http.ParseTime(remote.LastModified); err == nil {
		mod = t
	}
	return &handle{
		ref:      ref,
		remote:   remote,
		digest:   digest,
		etag:     etagFor(digest),
		modTime:  mod.UTC().Truncate(time.Second),
		size:     size,
		openedAt: now,
		file:     f,
		zr:       zr,
		members:  members,
		index:    ix,
	}, nil
}

// etagFor derives the archive ETag from its content digest only, so two
// gateways holding the same bytes agree on it.
func etagFor(digest string) string {
	if len(digest) > 32 {
		digest = digest[:32]
	}
	return `W/"` + digest + `"`
}

func (h *handle) matches(ref string, m fetch.Meta) bool {
	return h.ref == ref && h.remote.ETag == m.ETag && h.remote.LastModified == m.LastModified && h.remote.Size == m.Size
}

func (h *handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.refs++
	return true
}

func (h *handle) release() {
	h.mu.Lock()
	h.refs--
	done := h.refs == 0 && h.retired
	h.mu.Unlock()
	if done {
		h.close()
	}
}

// retire marks the handle as replaced. It closes now if nobody holds it,
// otherwise the last release does.
func (h *handle) retire() {
	h.mu.Lock()
	h.retired = true
	done := h.refs == 0
	h.mu.Unlock()
	if done {
		h.close()
	}
}

func (h *handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	name := h.file.Name()
	if err := h.file.Close(); err != nil {
		log.Printf("archive: close %s: %v", name, err)
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("archive: remove %s: %v", name, err)
	}
}

func (h *handle) read(name string) ([]byte, error) {
	zf, ok := h.members[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrMemberNotFound)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMalformed, name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if n := zf.UncompressedSize64; n > 0 && n < 1<<30 {
		buf.Grow(int(n))
	}
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, name, err)
	}
	return buf.Bytes(), nil
}

// Snapshot is a pinned view of one open archive. It stays valid until
// Release even if the cache swaps in a newer archive meanwhile.
type Snapshot struct {
	h        *handle
	c        *Cache
	released atomic.Bool
}

func (s *Snapshot) Index() *Index           { return s.h.index }
func (s *Snapshot) Digest() string          { return s.h.digest }
func (s *Snapshot) ETag() string            { return s.h.etag }
func (s *Snapshot) LastModified() time.Time { return s.h.modTime }
func (s *Snapshot) Size() int64             { return s.h.size }

// ReadMember returns the full bytes of a member.
func (s *Snapshot) ReadMember(name string) ([]byte, error) {
	if s.released.Load() {
		return nil, fmt.Errorf("read %s: snapshot released", name)
	}
	return s.c.readThrough(s.h, name)
}

// Release unpins the archive. Calling it more than once is harmless.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.h.release()
	}
}
