// Package gateway is the HTTP front door: it loads the manifest, routes each
// request to the archive or to an individually addressed asset, and keeps the
// archive warm in the background.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"zipgate/internal/archive"
	"zipgate/internal/assetcache"
	"zipgate/internal/fetch"
	"zipgate/internal/manifest"
	"zipgate/internal/ratelog"
)

const headerProvenance = "X-Zipgate"

type Service struct {
	cfg Config

	loader *manifest.Loader
	cache  *archive.Cache
	assets *assetcache.Store
	router *Router

	limiter *clientLimiter
	metrics *metrics
	stats   *statsCollector
	errLog  *ratelog.Logger

	bgSem    chan struct{}
	bgCtx    context.Context
	bgCancel context.CancelFunc

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// lifeMu orders wg.Add in background starters against Close.
	lifeMu  sync.Mutex
	closing bool
}

// NewService builds the upstream fetchers described by cfg and the service
// on top of them.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	f, err := newFetcher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, f)
}

func newFetcher(ctx context.Context, cfg Config) (fetch.Fetcher, error) {
	hf := fetch.NewHTTPFetcher(nil, cfg.upstreamTimeout)
	r := fetch.NewRouter().
		Handle("http", hf).
		Handle("https", hf).
		Handle("file", fetch.FileFetcher{}).
		Handle("", fetch.FileFetcher{})
	if cfg.Upstream.CASURL != "" {
		r.Handle("cas", fetch.NewCASFetcher(cfg.Upstream.CASURL, hf))
	}
	if cfg.Upstream.S3.Enabled {
		client, err := fetch.NewS3Client(ctx, cfg.Upstream.S3.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		r.Handle("s3", fetch.NewS3Fetcher(client))
	}
	return r, nil
}

// New wires a service around an existing fetcher. cfg must come from
// LoadConfig.
func New(cfg Config, f fetch.Fetcher) (*Service, error) {
	loader, err := manifest.NewLoader(f, manifest.LoaderOptions{
		Location:     cfg.Manifest.Location,
		ArchiveURL:   cfg.Manifest.ArchiveURL,
		Mode:         cfg.mode,
		RefreshEvery: cfg.refreshEvery,
	})
	if err != nil {
		return nil, err
	}
	cache, err := archive.NewCache(f, archive.Options{
		WarmThreshold:       cfg.warmThreshold,
		RevalidateEvery:     cfg.revalidateEvery,
		TolerateStale:       cfg.Archive.TolerateStale,
		Dir:                 cfg.Archive.SpoolDir,
		DownloadTimeout:     cfg.downloadTimeout,
		MemberCacheEntries:  cfg.Archive.MemberCache.Entries,
		MemberCacheMaxBytes: cfg.memberMaxEntry,
	})
	if err != nil {
		return nil, err
	}
	var assets *assetcache.Store
	if cfg.AssetCache.Path != "" {
		assets, err = assetcache.Open(cfg.AssetCache.Path, cfg.assetMax)
		if err != nil {
			return nil, fmt.Errorf("asset cache: %w", err)
		}
	}

	s := &Service{
		cfg:    cfg,
		loader: loader,
		cache:  cache,
		assets: assets,
		errLog: ratelog.New(time.Minute),
		bgSem:  make(chan struct{}, 8),
		stopCh: make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.router = newRouter(loader, cache, f, assets, routerOptions{
		CacheControl:  cfg.Server.CacheControl,
		ArchiveSPA:    cfg.Archive.SPAFallback,
		MultiSPA:      *cfg.Multi.SPAFallback,
		Range:         *cfg.Upstream.Range,
		AssetMaxEntry: cfg.assetMaxEntry,
	})
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		s.limiter = newClientLimiter(rl.RequestsPerSecond, rl.Burst)
	}
	if *cfg.Server.Metrics {
		s.metrics = newMetrics(s)
	}

	if cfg.statsEvery > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}
	if cfg.revalidateEvery > 0 {
		log.Printf("revalidate tick interval: %s", cfg.revalidateEvery)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.revalidateLoop(cfg.revalidateEvery)
		}()
	}
	return s, nil
}

// Close stops background work, evicts the open archive and closes the asset
// cache.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closing = true
		close(s.stopCh)
		s.lifeMu.Unlock()
		s.bgCancel()
		s.wg.Wait()
		s.cache.Evict()
		if s.assets != nil {
			if err := s.assets.Close(); err != nil {
				log.Printf("asset cache close: %v", err)
			}
		}
	})
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Reload fetches the manifest again and, in zip mode, brings the archive
// cache in line with it.
func (s *Service) Reload(ctx context.Context) (*manifest.Manifest, error) {
	m, err := s.loader.Reload(ctx)
	if err == nil && m.Mode == manifest.ModeZip {
		err = s.cache.EnsureReady(ctx, m.ArchiveRef())
	}
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.reloads.WithLabelValues(result).Inc()
	}
	if err != nil {
		log.Printf("reload failed: %v", err)
		return nil, err
	}
	log.Printf("reload: %s mode", m.Mode)
	s.prefetchAsync(m)
	return m, nil
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/__health":
		s.handleHealth(w, r)
		return
	case "/__reload":
		s.handleReload(w, r)
		return
	case "/__metrics":
		if s.metrics != nil {
			s.metrics.handler().ServeHTTP(w, r)
			return
		}
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		setProvenance(w.Header(), sourceError)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		s.observe(sourceError, http.StatusTooManyRequests, 0)
		return
	}

	resp, err := s.router.Serve(r.Context(), r.URL.Path, r.Header.Get("Range"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer resp.Body.Close()
	s.writeResponse(w, r, resp)
}

func (s *Service) writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerProvenance) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	setProvenance(h, resp.Source)

	if resp.Source == sourceZip && etagMatches(r.Header.Get("If-None-Match"), resp.Header.Get("ETag")) {
		h.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		s.observe(resp.Source, http.StatusNotModified, 0)
		return
	}

	if resp.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		s.observe(resp.Source, resp.Status, 0)
		return
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		// The client went away or the upstream stream broke; headers are gone already.
		s.errLog.Printf("copy %s: %v", r.URL.Path, err)
	}
	s.observe(resp.Source, resp.Status, n)
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := classify(err, s.router.ready())
	if code >= 500 {
		s.errLog.Printf("serve %s: %d: %v", r.URL.Path, code, err)
	}
	setProvenance(w.Header(), sourceError)
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, msg, code)
	s.observe(sourceError, code, 0)
}

func (s *Service) observe(source string, code int, n int64) {
	if s.metrics != nil {
		s.metrics.observe(source, code)
	}
	if s.stats != nil {
		s.stats.Observe(source, n)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.router.Health(r.Context())
	h := w.Header()
	setProvenance(h, sourceHealth)
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = io.WriteString(w, strings.TrimRight(msg, "\n")+"\n")
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	m, err := s.Reload(r.Context())
	if err != nil {
		code, msg := classify(err, s.router.ready())
		http.Error(w, "reload failed: "+msg, code)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "reloaded\nmode: %s\n", m.Mode)
}

func setProvenance(h http.Header, source string) {
	if source != "" {
		h.Set(headerProvenance, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, headerProvenance)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// etagMatches applies the weak comparison If-None-Match calls for.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, part := range strings.Split(ifNoneMatch, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == want {
			return true
		}
	}
	return false
}

func (s *Service) revalidateLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			// Nothing to revalidate until a request or health check loaded the manifest.
			if s.loader.Current() == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(s.bgCtx, every+s.cfg.downloadTimeout)
			if err := s.router.Refresh(ctx); err != nil {
				s.errLog.Printf("background revalidate: %v", err)
			}
			cancel()
			s.prefetchAsync(s.loader.Current())
		}
	}
}

// prefetchAsync fills the asset cache for multi-mode manifests, a few assets
// at a time; it skips work when all slots are busy.
func (s *Service) prefetchAsync(m *manifest.Manifest) {
	if !s.cfg.AssetCache.Prefetch {
		return
	}
	for _, key := range s.router.missingAssets(m) {
		select {
		case s.bgSem <- struct{}{}:
		default:
			return
		}
		s.lifeMu.Lock()
		if s.closing {
			s.lifeMu.Unlock()
			<-s.bgSem
			return
		}
		s.wg.Add(1)
		s.lifeMu.Unlock()
		go func(key string) {
			defer s.wg.Done()
			defer func() { <-s.bgSem }()
			if err := s.router.prefetch(s.bgCtx, m, key); err != nil && !errors.Is(err, context.Canceled) {
				s.errLog.Printf("prefetch /%s: %v", key, err)
			}
		}(key)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			st := s.cache.Status()
			assetBytes := uint64(0)
			if s.assets != nil {
				assetBytes = uint64(s.assets.TotalSize())
			}
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			log.Printf(
				"Served: zip %d, multi %d, multi-cache %d, errors %d; Archive: open %t, entries %d, size %s; Asset cache: %s; Resp min/avg/max %s/%s/%s; RSS %s",
				ss.Zip, ss.Multi, ss.MultiCache, ss.Errors,
				st.Open, st.Entries, formatBytes(uint64(st.Size)),
				formatBytes(assetBytes),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				rss,
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
