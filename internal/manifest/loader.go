package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"zipgate/internal/fetch"
)

// maxManifestBytes bounds how much of a manifest body is read.
const maxManifestBytes = 8 << 20

type LoaderOptions struct {
	// Location is the manifest reference: a path, file://, http(s)://, cas:// or s3://.
	Location string
	// ArchiveURL serves a single archive when Location is empty.
	ArchiveURL string
	// Mode overrides the declared mode when set.
	Mode Mode
	// RefreshEvery reloads the manifest after this long. Zero never does.
	RefreshEvery time.Duration
	Now          func() time.Time
}

// Loader fetches the manifest lazily, keeps the last good one and coalesces
// concurrent loads.
type Loader struct {
	fetcher fetch.Fetcher
	opts    LoaderOptions

	group singleflight.Group

	mu       sync.RWMutex
	cur      *Manifest
	loadedAt time.Time
	lastErr  error

	loads atomic.Uint64
}

func NewLoader(f fetch.Fetcher, opts LoaderOptions) (*Loader, error) {
	if opts.Location == "" && opts.ArchiveURL == "" {
		return nil, errors.New("manifest: a location or an archive URL is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{fetcher: f, opts: opts}, nil
}

// Get returns the cached manifest, loading it on first use or once the
// refresh interval has passed. Failed loads are not cached.
func (l *Loader) Get(ctx context.Context) (*Manifest, error) {
	l.mu.RLock()
	m, at := l.cur, l.loadedAt
	l.mu.RUnlock()
	if m != nil && (l.opts.RefreshEvery <= 0 || l.opts.Now().Sub(at) < l.opts.RefreshEvery) {
		return m, nil
	}
	fresh, err := l.load(ctx)
	if err != nil && m != nil {
		// An expired manifest keeps serving until a reload succeeds.
		log.Printf("manifest: refresh failed, keeping previous: %v", err)
		return m, nil
	}
	return fresh, err
}

// Reload fetches the manifest now. On failure the previous manifest, if any,
// stays in place and the error is returned.
func (l *Loader) Reload(ctx context.Context) (*Manifest, error) {
	return l.load(ctx)
}

// Current returns the loaded manifest without any I/O, or nil.
func (l *Loader) Current() *Manifest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// LastError is the error of the most recent failed load, cleared on success.
func (l *Loader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Loads counts manifest fetches.
func (l *Loader) Loads() uint64 { return l.loads.Load() }

func (l *Loader) load(ctx context.Context) (*Manifest, error) {
	v, err, _ := l.group.Do("manifest", func() (any, error) {
		// Shared by every waiter, so one caller going away must not cancel it.
		m, err := l.fetchManifest(context.WithoutCancel(ctx))
		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.lastErr = err
			return nil, err
		}
		l.cur, l.loadedAt, l.lastErr = m, l.opts.Now(), nil
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

func (l *Loader) fetchManifest(ctx context.Context) (*Manifest, error) {
	l.loads.Add(1)
	if l.opts.Location == "" {
		m := ForArchive(l.opts.ArchiveURL)
		if l.opts.Mode == ModeMulti {
			return nil, fmt.Errorf("%w: mode: multi needs a manifest, only an archive URL is set", ErrInvalid)
		}
		log.Printf("manifest: serving archive %s without a manifest", l.opts.ArchiveURL)
		return m, nil
	}

	resp, err := l.fetcher.Get(ctx, l.opts.Location, "")
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.Status != 0 && resp.Status != http.StatusOK {
		return nil, &fetch.Error{Op: "get", Ref: l.opts.Location, Status: resp.Status, Kind: fetch.ErrUnavailable}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, &fetch.Error{Op: "get", Ref: l.opts.Location, Kind: fetch.ErrUnavailable, Err: err}
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalid, maxManifestBytes)
	}

	m, err := Parse(data, l.opts.Location, l.opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.opts.Location, err)
	}
	switch m.Mode {
	case ModeZip:
		log.Printf("manifest: loaded %s: zip mode, archive %s, entry %s", l.opts.Location, m.Zip.URL, m.Entry)
	case ModeMulti:
		log.Printf("manifest: loaded %s: multi mode, %d assets", l.opts.Location, len(m.Assets))
	}
	return m, nil
}
