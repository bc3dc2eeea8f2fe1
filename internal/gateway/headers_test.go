package gateway

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"zipgate/internal/archive"
	"zipgate/internal/fetch"
	"zipgate/internal/manifest"
)

func TestClassify(t *testing.T) {
	unavailable := &fetch.Error{Op: "get", Ref: "https://secret.example/x?sig=1", Kind: fetch.ErrUnavailable}
	cases := []struct {
		name  string
		err   error
		ready bool
		code  int
	}{
		{"invalid manifest", fmt.Errorf("%w: zip.url: missing", manifest.ErrInvalid), true, 500},
		{"malformed", fmt.Errorf("open: %w", archive.ErrMalformed), true, 502},
		{"range", &fetch.Error{Op: "get", Kind: fetch.ErrRangeNotSatisfiable}, true, 416},
		{"unavailable before ready", unavailable, false, 503},
		{"unavailable after ready", unavailable, true, 502},
		{"no member", archive.ErrNotFound, true, 404},
		{"missing asset", &fetch.Error{Op: "get", Kind: fetch.ErrNotFound}, true, 404},
		{"no source", archive.ErrNoSource, false, 503},
		{"other", fmt.Errorf("boom"), true, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, msg := classify(tc.err, tc.ready)
			assert.Equal(t, tc.code, code)
			assert.NotContains(t, msg, "secret")
		})
	}
}

func TestEtagMatches(t *testing.T) {
	etag := `W/"0123"`
	assert.True(t, etagMatches(`W/"0123"`, etag))
	assert.True(t, etagMatches(`"0123"`, etag))
	assert.True(t, etagMatches(`"aa", W/"0123"`, etag))
	assert.True(t, etagMatches(`*`, etag))
	assert.False(t, etagMatches(`"0124"`, etag))
	assert.False(t, etagMatches("", etag))
	assert.False(t, etagMatches("*", ""))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, headerProvenance)
	assert.Equal(t, "X-Zipgate", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, headerProvenance)
	assert.Equal(t, "ETag, X-Zipgate", h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-zipgate")
	assert.Equal(t, "ETag, X-Zipgate", h.Get("Access-Control-Expose-Headers"))
}

func TestAssetHeader_StripsHopByHop(t *testing.T) {
	r := newRouter(nil, nil, nil, nil, routerOptions{CacheControl: "public, max-age=60", Range: true})
	up := http.Header{}
	up.Set("Connection", "keep-alive, X-Upstream-Hop")
	up.Set("X-Upstream-Hop", "1")
	up.Set("Keep-Alive", "timeout=5")
	up.Set("Transfer-Encoding", "chunked")
	up.Set("X-Zipgate", "spoofed")
	up.Set("Cache-Control", "max-age=3600")
	up.Set("X-Amz-Request-Id", "abc")

	h := r.assetHeader("app.js", manifest.Asset{}, &fetch.Response{
		Meta:   fetch.Meta{ETag: `"e1"`},
		Header: up,
	})
	for _, k := range []string{"Connection", "X-Upstream-Hop", "Keep-Alive", "Transfer-Encoding", "X-Zipgate"} {
		assert.Empty(t, h.Get(k), k)
	}
	assert.Equal(t, "max-age=3600", h.Get("Cache-Control"))
	assert.Equal(t, "abc", h.Get("X-Amz-Request-Id"))
	assert.Equal(t, `"e1"`, h.Get("ETag"))
	assert.Equal(t, "bytes", h.Get("Accept-Ranges"))
	assert.Equal(t, "text/javascript; charset=utf-8", h.Get("Content-Type"))
}

func TestAssetHeader_DeclaredType(t *testing.T) {
	r := newRouter(nil, nil, nil, nil, routerOptions{CacheControl: "no-cache"})
	h := r.assetHeader("blob", manifest.Asset{Type: "application/wasm"}, &fetch.Response{})
	assert.Equal(t, "application/wasm", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "none", h.Get("Accept-Ranges"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", contentType("index.html", nil))
	assert.Equal(t, "text/css; charset=utf-8", contentType("a/b.css", nil))
	assert.Equal(t, "application/octet-stream", contentType("noext", nil))
	assert.Equal(t, "text/plain; charset=utf-8", contentType("LICENSE", []byte("plain words")))
}
