package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"zipgate/internal/archive"
	"zipgate/internal/assetcache"
	"zipgate/internal/fetch"
	"zipgate/internal/manifest"
)

// Provenance values for the X-Zipgate header.
const (
	sourceZip        = "zip"
	sourceMulti      = "multi"
	sourceMultiCache = "multi-cache"
	sourceHealth     = "health"
	sourceError      = "error"
)

// Response is what the router hands back to the front door. Body is always
// non-nil and must be closed. Size is -1 when unknown.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Size   int64
	Source string
}

type routerOptions struct {
	CacheControl  string
	ArchiveSPA    bool
	MultiSPA      bool
	Range         bool
	AssetMaxEntry int64
}

// Router turns a request path into bytes, hiding which serving mode the
// manifest selected.
type Router struct {
	loader  *manifest.Loader
	cache   *archive.Cache
	fetcher fetch.Fetcher
	assets  *assetcache.Store // nil when disabled
	opts    routerOptions

	ixMu   sync.Mutex
	ixFor  *manifest.Manifest
	assetX *archive.Index
}

func newRouter(l *manifest.Loader, c *archive.Cache, f fetch.Fetcher, assets *assetcache.Store, opts routerOptions) *Router {
	return &Router{loader: l, cache: c, fetcher: f, assets: assets, opts: opts}
}

// Serve resolves path under the current manifest. rangeHeader is forwarded
// upstream in multi mode when range support is on; archive members are
// always served whole.
func (r *Router) Serve(ctx context.Context, path, rangeHeader string) (*Response, error) {
	m, err := r.loader.Get(ctx)
	if err != nil {
		return nil, err
	}
	switch m.Mode {
	case manifest.ModeZip:
		return r.serveArchive(ctx, m, path)
	case manifest.ModeMulti:
		return r.serveAsset(ctx, m, path, rangeHeader)
	}
	return nil, fmt.Errorf("%w: mode %q", manifest.ErrInvalid, m.Mode)
}

func (r *Router) serveArchive(ctx context.Context, m *manifest.Manifest, path string) (*Response, error) {
	ref := m.ArchiveRef()
	snap, err := r.cache.EnsureOpenForRead(ctx, ref)
	if err != nil {
		return nil, archiveError(ref, err)
	}
	defer snap.Release()

	name, err := r.resolveMember(m, snap.Index(), path)
	if err != nil {
		return nil, err
	}
	body, err := snap.ReadMember(name)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Content-Type", contentType(name, body))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("ETag", snap.ETag())
	h.Set("Last-Modified", snap.LastModified().Format(http.TimeFormat))
	h.Set("Cache-Control", r.opts.CacheControl)
	h.Set("Accept-Ranges", "none")
	return &Response{
		Status: http.StatusOK,
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Size:   int64(len(body)),
		Source: sourceZip,
	}, nil
}

// resolveMember serves the manifest entry for the root, then falls back to
// the normal resolution order.
func (r *Router) resolveMember(m *manifest.Manifest, ix *archive.Index, path string) (string, error) {
	if archive.NormalizePath(path) == "" {
		if entry := archive.NormalizePath(m.Entry); entry != "" && ix.Has(entry) {
			return entry, nil
		}
	}
	return archive.Resolver{SPAFallback: r.opts.ArchiveSPA}.Resolve(ix, path)
}

// archiveError keeps a missing archive from looking like a missing page.
func archiveError(ref string, err error) error {
	if errors.Is(err, fetch.ErrNotFound) {
		return fmt.Errorf("%w: archive %s: %v", fetch.ErrUnavailable, ref, err)
	}
	return err
}

func (r *Router) serveAsset(ctx context.Context, m *manifest.Manifest, path, rangeHeader string) (*Response, error) {
	key, asset, err := r.lookupAsset(m, path)
	if err != nil {
		return nil, err
	}
	if !r.opts.Range {
		rangeHeader = ""
	}

	cacheable := r.assets != nil && rangeHeader == "" && immutableRef(asset.URL)
	if cacheable {
		if ent, ok := r.assets.Get(asset.URL); ok {
			return cachedAsset(ent), nil
		}
	}

	resp, err := r.fetcher.Get(ctx, asset.URL, rangeHeader)
	if err != nil {
		return nil, err
	}
	out := &Response{
		Status: resp.Status,
		Header: r.assetHeader(key, asset, resp),
		Body:   resp.Body,
		Size:   resp.Size,
		Source: sourceMulti,
	}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}

	if cacheable && out.Status == http.StatusOK &&
		resp.Size >= 0 && resp.Size <= r.opts.AssetMaxEntry {
		body, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.AssetMaxEntry+1))
		resp.Body.Close()
		if err != nil {
			return nil, &fetch.Error{Op: "get", Ref: asset.URL, Kind: fetch.ErrUnavailable, Err: err}
		}
		if int64(len(body)) == resp.Size {
			r.assets.PutAsync(asset.URL, assetcache.Entry{Status: http.StatusOK, Header: out.Header, Body: body})
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.Size = int64(len(body))
	}
	return out, nil
}

// lookupAsset finds the asset for path: the exact key first, then the
// archive resolution order over the asset keys.
func (r *Router) lookupAsset(m *manifest.Manifest, path string) (string, manifest.Asset, error) {
	key := archive.NormalizePath(path)
	if a, ok := m.Lookup(key); ok {
		return key, a, nil
	}
	name, err := archive.Resolver{SPAFallback: r.opts.MultiSPA}.Resolve(r.assetIndex(m), path)
	if err != nil {
		// A manifest may key its root document as "/" instead of "/index.html".
		if root, ok := m.Lookup(""); ok && (key == "" || r.opts.MultiSPA) {
			return "", root, nil
		}
		return "", manifest.Asset{}, err
	}
	a, _ := m.Lookup(name)
	return name, a, nil
}

func (r *Router) assetIndex(m *manifest.Manifest) *archive.Index {
	r.ixMu.Lock()
	defer r.ixMu.Unlock()
	if r.ixFor != m {
		r.ixFor, r.assetX = m, archive.NewIndex(m.AssetNames())
	}
	return r.assetX
}

var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// assetHeader passes upstream headers through, minus hop-by-hop ones, and
// fills in what the upstream left out.
func (r *Router) assetHeader(key string, a manifest.Asset, resp *fetch.Response) http.Header {
	h := http.Header{}
	if resp.Header != nil {
		h = resp.Header.Clone()
	}
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHop {
		h.Del(k)
	}
	h.Del(headerProvenance)

	setIfEmpty := func(k, v string) {
		if v != "" && h.Get(k) == "" {
			h.Set(k, v)
		}
	}
	setIfEmpty("ETag", resp.ETag)
	setIfEmpty("Last-Modified", resp.LastModified)
	setIfEmpty("Content-Type", resp.ContentType)
	setIfEmpty("Content-Type", a.Type)
	setIfEmpty("Content-Type", contentType(key, nil))
	setIfEmpty("Cache-Control", r.opts.CacheControl)
	if r.opts.Range {
		h.Set("Accept-Ranges", "bytes")
	} else {
		h.Set("Accept-Ranges", "none")
	}
	return h
}

func cachedAsset(ent assetcache.Entry) *Response {
	h := ent.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(ent.Body)))
	return &Response{
		Status: ent.Status,
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(ent.Body)),
		Size:   int64(len(ent.Body)),
		Source: sourceMultiCache,
	}
}

// Health exercises the smallest path that proves the site can be served.
// It never fails; the message says what went wrong.
func (r *Router) Health(ctx context.Context) (bool, string) {
	m, err := r.loader.Get(ctx)
	if err != nil {
		return false, "manifest: " + err.Error()
	}
	switch m.Mode {
	case manifest.ModeZip:
		return r.archiveHealth(ctx, m)
	case manifest.ModeMulti:
		return r.assetHealth(ctx, m)
	}
	return false, fmt.Sprintf("manifest: unknown mode %q", m.Mode)
}

func (r *Router) archiveHealth(ctx context.Context, m *manifest.Manifest) (bool, string) {
	ref := m.ArchiveRef()
	if err := r.cache.EnsureReady(ctx, ref); err != nil {
		return false, "archive: " + archiveError(ref, err).Error()
	}
	var b strings.Builder
	b.WriteString("ok\nmode: zip\n")
	fmt.Fprintf(&b, "archive: %s\n", ref)

	snap := r.cache.Peek(ref)
	if snap == nil {
		st := r.cache.Status()
		fmt.Fprintf(&b, "state: lazy (remote size %d)\n", st.RemoteSize)
		return true, b.String()
	}
	defer snap.Release()
	fmt.Fprintf(&b, "state: warm\ndigest: %s\netag: %s\nentries: %d\n", snap.Digest(), snap.ETag(), snap.Index().Len())
	for _, name := range []string{"index.html", "index.htm", "favicon.ico"} {
		fmt.Fprintf(&b, "%s: %t\n", name, snap.Index().Has(name))
	}
	return true, b.String()
}

func (r *Router) assetHealth(ctx context.Context, m *manifest.Manifest) (bool, string) {
	key := "index.html"
	a, ok := m.Lookup(key)
	if !ok {
		names := m.AssetNames()
		sort.Strings(names)
		key = names[0]
		a, _ = m.Lookup(key)
	}
	meta, err := r.fetcher.Head(ctx, a.URL)
	if err == nil && meta.Status != 0 && meta.Status != http.StatusOK {
		err = &fetch.Error{Op: "head", Ref: a.URL, Status: meta.Status, Kind: fetch.ErrUnavailable}
	}
	if err != nil {
		return false, fmt.Sprintf("asset /%s: %v", key, err)
	}
	return true, fmt.Sprintf("ok\nmode: multi\nassets: %d\nprobe: /%s (%d bytes)\n", len(m.Assets), key, meta.Size)
}

// ready reports whether anything has ever been served successfully: a
// manifest is loaded and, in zip mode, an archive has been opened.
func (r *Router) ready() bool {
	m := r.loader.Current()
	if m == nil {
		return false
	}
	if m.Mode == manifest.ModeZip {
		return r.cache.Stats().Downloads > 0
	}
	return true
}

// Refresh runs one background revalidation for the current manifest.
func (r *Router) Refresh(ctx context.Context) error {
	m, err := r.loader.Get(ctx)
	if err != nil {
		return err
	}
	if m.Mode == manifest.ModeZip {
		return r.cache.EnsureReady(ctx, m.ArchiveRef())
	}
	return nil
}

// immutableRef reports whether ref names content by its address. Only such
// assets go into the asset cache; an http(s), s3 or file object can change
// under the same reference.
func immutableRef(ref string) bool {
	return strings.HasPrefix(ref, "cas://")
}

// missingAssets lists multi-mode asset keys not yet in the asset cache.
func (r *Router) missingAssets(m *manifest.Manifest) []string {
	if r.assets == nil || m.Mode != manifest.ModeMulti {
		return nil
	}
	names := m.AssetNames()
	sort.Strings(names)
	var out []string
	for _, n := range names {
		a, _ := m.Lookup(n)
		if !immutableRef(a.URL) || a.Size > r.opts.AssetMaxEntry || r.assets.Has(a.URL) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// prefetch stores one asset in the asset cache.
func (r *Router) prefetch(ctx context.Context, m *manifest.Manifest, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	resp, err := r.serveAsset(ctx, m, "/"+key, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
