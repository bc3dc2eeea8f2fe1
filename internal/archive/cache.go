// Package archive keeps a remote site archive open locally and maps request
// paths onto its members.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"zipgate/internal/fetch"
	"zipgate/internal/ratelog"
)

// ErrNoSource means a read was attempted before any archive reference was set.
var ErrNoSource = errors.New("archive cache has no source")

type Options struct {
	// WarmThreshold is the largest remote size downloaded proactively.
	WarmThreshold int64
	// RevalidateEvery is how long remote metadata is trusted. Zero means it is
	// only refreshed when the reference changes.
	RevalidateEvery time.Duration
	// TolerateStale keeps serving the open archive when revalidation fails.
	TolerateStale bool
	// Dir holds the temp files backing open archives. Empty means os.TempDir.
	Dir string
	// DownloadTimeout bounds one archive download.
	DownloadTimeout time.Duration
	// MemberCacheEntries is the number of decoded members kept in memory.
	MemberCacheEntries int
	// MemberCacheMaxBytes is the largest member kept in memory.
	MemberCacheMaxBytes int64
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

type remoteState struct {
	known     bool
	sourceRef string
	meta      fetch.Meta
	checkedAt time.Time
}

// Cache owns at most one open archive. Revalidation, download and swap are
// serialized by mu; readers pin the current handle without taking mu.
type Cache struct {
	fetcher  fetch.Fetcher
	opts     Options
	members  *lru.Cache[string, []byte]
	staleLog *ratelog.Logger

	mu sync.Mutex

	stMu sync.Mutex
	st   remoteState

	hmu sync.RWMutex
	cur *handle

	downloads     atomic.Uint64
	revalidations atomic.Uint64
	failures      atomic.Uint64
}

func NewCache(f fetch.Fetcher, opts Options) (*Cache, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Minute
	}
	if opts.MemberCacheEntries <= 0 {
		opts.MemberCacheEntries = 256
	}
	if opts.MemberCacheMaxBytes <= 0 {
		opts.MemberCacheMaxBytes = 1 << 20
	}
	members, err := lru.New[string, []byte](opts.MemberCacheEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fetcher:  f,
		opts:     opts,
		members:  members,
		staleLog: ratelog.New(time.Minute),
	}, nil
}

// EnsureReady refreshes remote metadata for ref when the reference changed or
// the revalidation interval elapsed. Archives no larger than the warm
// threshold are downloaded and opened; larger ones are released and left to
// be fetched on demand.
func (c *Cache) EnsureReady(ctx context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureReadyLocked(ctx, ref)
}

// Refresh revalidates ref immediately and replaces the open archive with a
// fresh download. On failure the previous archive is left untouched.
func (c *Cache) Refresh(ctx context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, _, err := c.revalidateLocked(ctx, ref, true)
	if err != nil {
		return err
	}
	h, err := c.download(ctx, ref, meta)
	if err != nil {
		return err
	}
	c.swap(h)
	return nil
}

func (c *Cache) ensureReadyLocked(ctx context.Context, ref string) error {
	meta, refreshed, err := c.revalidateLocked(ctx, ref, false)
	if err != nil {
		return err
	}
	if meta.Size >= 0 && meta.Size <= c.opts.WarmThreshold {
		if h := c.pinMatching(ref, meta); h != nil {
			h.release()
			return nil
		}
		h, err := c.download(ctx, ref, meta)
		if err != nil {
			return err
		}
		c.swap(h)
		return nil
	}
	// Too large to keep warm: drop whatever is open until a read needs it.
	if refreshed {
		c.swap(nil)
	}
	return nil
}

// revalidateLocked returns the remote metadata for ref, fetching it when due.
// refreshed reports whether a metadata fetch actually succeeded.
func (c *Cache) revalidateLocked(ctx context.Context, ref string, force bool) (meta fetch.Meta, refreshed bool, err error) {
	now := c.opts.Now()
	c.stMu.Lock()
	st := c.st
	c.stMu.Unlock()

	if !force && !c.due(st, ref, now) {
		return st.meta, false, nil
	}

	c.revalidations.Add(1)
	meta, err = c.fetcher.Head(ctx, ref)
	if err == nil && meta.Status != 0 && meta.Status != http.StatusOK {
		err = &fetch.Error{Op: "head", Ref: ref, Status: meta.Status, Kind: fetch.ErrUnavailable}
	}
	if err != nil {
		c.failures.Add(1)
		if c.opts.TolerateStale && st.known && st.sourceRef == ref {
			c.staleLog.Printf("archive: revalidate %s failed, keeping previous state: %v", ref, err)
			// The failed check still counts, or every read would retry it.
			c.stMu.Lock()
			if c.st.sourceRef == ref {
				c.st.checkedAt = now
			}
			c.stMu.Unlock()
			return st.meta, false, nil
		}
		return fetch.Meta{}, false, err
	}

	c.stMu.Lock()
	c.st = remoteState{known: true, sourceRef: ref, meta: meta, checkedAt: now}
	c.stMu.Unlock()

	if st.known && (st.sourceRef != ref || st.meta != meta) {
		log.Printf("archive: %s changed (etag %q -> %q, size %d -> %d)", ref, st.meta.ETag, meta.ETag, st.meta.Size, meta.Size)
	}
	return meta, true, nil
}

func (c *Cache) due(st remoteState, ref string, now time.Time) bool {
	if !st.known || st.sourceRef != ref {
		return true
	}
	if c.opts.RevalidateEvery <= 0 {
		return false
	}
	return now.Sub(st.checkedAt) >= c.opts.RevalidateEvery
}

// EnsureOpenForRead returns a pinned snapshot of the archive for ref,
// downloading it first when nothing matching is open. The caller must
// Release the snapshot.
func (c *Cache) EnsureOpenForRead(ctx context.Context, ref string) (*Snapshot, error) {
	c.stMu.Lock()
	st := c.st
	c.stMu.Unlock()
	if !c.due(st, ref, c.opts.Now()) {
		if h := c.pinMatching(ref, st.meta); h != nil {
			return &Snapshot{h: h, c: c}, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	meta, _, err := c.revalidateLocked(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	if h := c.pinMatching(ref, meta); h != nil {
		return &Snapshot{h: h, c: c}, nil
	}

	h, err := c.download(ctx, ref, meta)
	if err != nil {
		// The previous archive stays authoritative until a download decodes.
		if old := c.pinRef(ref); old != nil && (errors.Is(err, ErrMalformed) || c.opts.TolerateStale) {
			c.staleLog.Printf("archive: download %s failed, serving previous archive: %v", ref, err)
			return &Snapshot{h: old, c: c}, nil
		}
		return nil, err
	}
	c.swap(h)
	if !h.acquire() {
		return nil, fmt.Errorf("archive %s retired while opening", ref)
	}
	return &Snapshot{h: h, c: c}, nil
}

// ReadMember reads one member from the archive of the current source,
// downloading it if the cache is lazy.
func (c *Cache) ReadMember(ctx context.Context, name string) ([]byte, error) {
	c.stMu.Lock()
	st := c.st
	c.stMu.Unlock()
	if !st.known {
		return nil, ErrNoSource
	}
	snap, err := c.EnsureOpenForRead(ctx, st.sourceRef)
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return snap.ReadMember(name)
}

// Peek pins the open archive for ref without any I/O. It returns nil when
// nothing is open for ref.
func (c *Cache) Peek(ref string) *Snapshot {
	if h := c.pinRef(ref); h != nil {
		return &Snapshot{h: h, c: c}
	}
	return nil
}

// Evict closes the open archive, if any, and removes its backing file.
func (c *Cache) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swap(nil)
}

func (c *Cache) pinMatching(ref string, meta fetch.Meta) *handle {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	if c.cur == nil || !c.cur.matches(ref, meta) || !c.cur.acquire() {
		return nil
	}
	return c.cur
}

func (c *Cache) pinRef(ref string) *handle {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	if c.cur == nil || c.cur.ref != ref || !c.cur.acquire() {
		return nil
	}
	return c.cur
}

// swap retires the current handle and installs h. Callers hold mu.
func (c *Cache) swap(h *handle) {
	c.hmu.Lock()
	old := c.cur
	if old != nil && old != h {
		old.retire()
	}
	c.cur = h
	c.hmu.Unlock()
	if old != nil && old != h {
		log.Printf("archive: released %s (%s)", old.ref, old.etag)
	}
}

// download fetches ref into a temp file, hashing as it goes, and opens it.
// Nothing is installed; the caller swaps the result in.
func (c *Cache) download(ctx context.Context, ref string, meta fetch.Meta) (*handle, error) {
	// A disconnecting client must not abort a download other requests wait on.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DownloadTimeout)
	defer cancel()

	start := c.opts.Now()
	resp, err := c.fetcher.Get(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.Status != 0 && resp.Status != http.StatusOK {
		return nil, &fetch.Error{Op: "get", Ref: ref, Status: resp.Status, Kind: fetch.ErrUnavailable}
	}

	f, err := os.CreateTemp(c.opts.Dir, "zipgate-*.zip")
	if err != nil {
		return nil, fmt.Errorf("archive spool: %w", err)
	}
	discard := func() {
		_ = f.Close()
		if err := os.Remove(f.Name()); err != nil {
			log.Printf("archive: remove %s: %v", f.Name(), err)
		}
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if err != nil {
		discard()
		return nil, &fetch.Error{Op: "get", Ref: ref, Kind: fetch.ErrUnavailable, Err: err}
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	h, err := openHandle(ref, meta, f, n, digest, c.opts.Now())
	if err != nil {
		discard()
		return nil, err
	}
	c.downloads.Add(1)
	log.Printf("archive: opened %s: %d entries, %d bytes, etag %s in %s",
		ref, h.index.Len(), n, h.etag, c.opts.Now().Sub(start).Round(time.Millisecond))
	return h, nil
}

func (c *Cache) readThrough(h *handle, name string) ([]byte, error) {
	key := h.digest + "\x00" + name
	if b, ok := c.members.Get(key); ok {
		return b, nil
	}
	b, err := h.read(name)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) <= c.opts.MemberCacheMaxBytes {
		c.members.Add(key, b)
	}
	return b, nil
}

// Status is a point-in-time description of the cache.
type Status struct {
	SourceRef     string
	RemoteETag    string
	RemoteSize    int64
	LastCheckedAt time.Time
	Open          bool
	ETag          string
	Digest        string
	Entries       int
	Size          int64
}

func (c *Cache) Status() Status {
	c.stMu.Lock()
	st := c.st
	c.stMu.Unlock()
	s := Status{
		SourceRef:     st.sourceRef,
		RemoteETag:    st.meta.ETag,
		RemoteSize:    st.meta.Size,
		LastCheckedAt: st.checkedAt,
	}
	c.hmu.RLock()
	if h := c.cur; h != nil {
		s.Open = true
		s.ETag = h.etag
		s.Digest = h.digest
		s.Entries = h.index.Len()
		s.Size = h.size
	}
	c.hmu.RUnlock()
	return s
}

// Stats are monotonically increasing counters.
type Stats struct {
	Downloads            uint64
	Revalidations        uint64
	RevalidationFailures uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Downloads:            c.downloads.Load(),
		Revalidations:        c.revalidations.Load(),
		RevalidationFailures: c.failures.Load(),
	}
}
