package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zipgate/internal/fetch"
)

type docFetcher struct {
	mu   sync.Mutex
	doc  []byte
	err  error
	gate chan struct{}
	gets atomic.Int32
}

func (f *docFetcher) set(doc string, err error) {
	f.mu.Lock()
	f.doc, f.err = []byte(doc), err
	f.mu.Unlock()
}

func (f *docFetcher) Head(context.Context, string) (fetch.Meta, error) {
	return fetch.Meta{}, errors.New("not used")
}

func (f *docFetcher) Get(ctx context.Context, ref string, _ string) (*fetch.Response, error) {
	f.gets.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Response{
		Meta: fetch.Meta{Status: http.StatusOK, Size: int64(len(f.doc))},
		Body: io.NopCloser(bytes.NewReader(f.doc)),
	}, nil
}

const zipDoc = `{"mode":"zip","zip":{"url":"ref1"}}`

func TestLoader_CachesAfterFirstLoad(t *testing.T) {
	f := &docFetcher{}
	f.set(zipDoc, nil)
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json"})
	require.NoError(t, err)
	assert.Nil(t, l.Current())

	for i := 0; i < 3; i++ {
		m, err := l.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ref1", m.ArchiveRef())
	}
	assert.Equal(t, int32(1), f.gets.Load())
	assert.NotNil(t, l.Current())
}

func TestLoader_CoalescesConcurrentLoads(t *testing.T) {
	f := &docFetcher{gate: make(chan struct{})}
	f.set(zipDoc, nil)
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Manifest, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := l.Get(context.Background())
			if err == nil {
				results[i] = m
			}
		}(i)
	}
	require.Eventually(t, func() bool { return f.gets.Load() == 1 }, time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.LessOrEqual(t, f.gets.Load(), int32(n))
	for _, m := range results {
		require.NotNil(t, m)
		assert.Equal(t, "ref1", m.ArchiveRef())
	}
}

func TestLoader_FailedLoadIsNotCached(t *testing.T) {
	f := &docFetcher{}
	f.set(`{"mode":"zip"}`, nil)
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json"})
	require.NoError(t, err)

	_, err = l.Get(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, l.LastError(), ErrInvalid)
	assert.Nil(t, l.Current())

	f.set(zipDoc, nil)
	m, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref1", m.ArchiveRef())
	assert.NoError(t, l.LastError())
	assert.Equal(t, int32(2), f.gets.Load())
}

func TestLoader_UpstreamErrors(t *testing.T) {
	f := &docFetcher{}
	f.set("", &fetch.Error{Op: "get", Ref: "m", Kind: fetch.ErrUnavailable})
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json"})
	require.NoError(t, err)
	_, err = l.Get(context.Background())
	assert.ErrorIs(t, err, fetch.ErrUnavailable)

	// A missing manifest is a broken deployment, not a missing page.
	f.set("", &fetch.Error{Op: "get", Ref: "m", Kind: fetch.ErrNotFound})
	_, err = l.Get(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NotErrorIs(t, err, fetch.ErrNotFound)
}

func TestLoader_ReloadKeepsPreviousOnFailure(t *testing.T) {
	f := &docFetcher{}
	f.set(zipDoc, nil)
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json"})
	require.NoError(t, err)
	_, err = l.Get(context.Background())
	require.NoError(t, err)

	f.set(`{"mode":"zip","zip":{"url":"ref2"}}`, nil)
	m, err := l.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref2", m.ArchiveRef())

	f.set(`not json`, nil)
	_, err = l.Reload(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
	m, err = l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref2", m.ArchiveRef())
}

func TestLoader_RefreshEvery(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	f := &docFetcher{}
	f.set(zipDoc, nil)
	l, err := NewLoader(f, LoaderOptions{Location: "manifest.json", RefreshEvery: time.Minute, Now: clock})
	require.NoError(t, err)

	_, err = l.Get(context.Background())
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.gets.Load())

	f.set(`{"mode":"zip","zip":{"url":"ref2"}}`, nil)
	now = now.Add(31 * time.Second)
	m, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref2", m.ArchiveRef())
	assert.Equal(t, int32(2), f.gets.Load())

	// An expired manifest keeps serving when the refresh fails.
	f.set("", &fetch.Error{Op: "get", Ref: "m", Kind: fetch.ErrUnavailable})
	now = now.Add(2 * time.Minute)
	m, err = l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref2", m.ArchiveRef())
}

func TestLoader_ArchiveURLWithoutManifest(t *testing.T) {
	l, err := NewLoader(nil, LoaderOptions{ArchiveURL: "https://store.example/site.zip"})
	require.NoError(t, err)
	m, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeZip, m.Mode)
	assert.Equal(t, "https://store.example/site.zip", m.ArchiveRef())
	assert.Equal(t, DefaultEntry, m.Entry)

	l, err = NewLoader(nil, LoaderOptions{ArchiveURL: "x.zip", Mode: ModeMulti})
	require.NoError(t, err)
	_, err = l.Get(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewLoader(nil, LoaderOptions{})
	assert.Error(t, err)
}

func TestLoader_ReadsLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"mode":"multi","assets":{"/index.html":{"url":"u1"}}}`), 0o644))

	l, err := NewLoader(fetch.FileFetcher{}, LoaderOptions{Location: p})
	require.NoError(t, err)
	m, err := l.Get(context.Background())
	require.NoError(t, err)
	a, ok := m.Lookup("index.html")
	require.True(t, ok)
	assert.Equal(t, "u1", a.URL)
}
