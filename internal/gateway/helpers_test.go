package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

type object struct {
	body  []byte
	etag  string
	ctype string
}

// upstream is an object store double: every path is one object, with range
// and conditional handling done by http.ServeContent.
type upstream struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	objects map[string]object
	hits    map[string]int
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, objects: map[string]object{}, hits: map[string]int{}}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	obj, ok := u.objects[r.URL.Path]
	if r.Method == http.MethodGet {
		u.hits[r.URL.Path]++
	}
	u.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if obj.etag != "" {
		w.Header().Set("ETag", obj.etag)
	}
	if obj.ctype != "" {
		w.Header().Set("Content-Type", obj.ctype)
	}
	http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(obj.body))
}

func (u *upstream) put(path string, body []byte, etag string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[path] = object{body: body, etag: etag}
}

func (u *upstream) putTyped(path string, body []byte, etag, ctype string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[path] = object{body: body, etag: etag, ctype: ctype}
}

func (u *upstream) gets(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) url(path string) string { return u.srv.URL + path }

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[n])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testConfig(t *testing.T, env map[string]string) Config {
	t.Helper()
	cfg, err := loadConfig("", func(k string) string { return env[k] })
	require.NoError(t, err)
	cfg.Archive.SpoolDir = t.TempDir()
	return cfg
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

type result struct {
	code   int
	header http.Header
	body   string
}

func do(t *testing.T, s *Service, method, target string, header map[string]string) result {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return result{code: rec.Code, header: rec.Header(), body: rec.Body.String()}
}

func get(t *testing.T, s *Service, target string) result {
	return do(t, s, http.MethodGet, target, nil)
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}
