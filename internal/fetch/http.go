package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPFetcher reads objects addressed by plain http(s) URLs.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPTransport returns the transport shared by all HTTP-based adapters.
// timeout bounds connection setup and response headers, never body streaming.
func NewHTTPTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Transport: NewHTTPTransport(timeout)}
	}
	return &HTTPFetcher{client: client, timeout: timeout, userAgent: "zipgate"}
}

func (f *HTTPFetcher) Head(ctx context.Context, ref string) (Meta, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	resp, err := f.do(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return Meta{}, unavailable("head", ref, err)
	}
	_ = resp.Body.Close()

	// Some object gateways refuse HEAD; probe with a one-byte range instead.
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return f.probe(ctx, ref)
	}
	if err := statusError("head", ref, resp.StatusCode); err != nil {
		return Meta{}, err
	}
	if resp.StatusCode >= 400 {
		return Meta{}, &Error{Op: "head", Ref: ref, Status: resp.StatusCode, Kind: ErrUnavailable}
	}
	return metaFrom(resp), nil
}

func (f *HTTPFetcher) probe(ctx context.Context, ref string) (Meta, error) {
	resp, err := f.do(ctx, http.MethodGet, ref, http.Header{"Range": {"bytes=0-0"}})
	if err != nil {
		return Meta{}, unavailable("head", ref, err)
	}
	defer resp.Body.Close()
	if err := statusError("head", ref, resp.StatusCode); err != nil {
		return Meta{}, err
	}
	if resp.StatusCode >= 400 {
		return Meta{}, &Error{Op: "head", Ref: ref, Status: resp.StatusCode, Kind: ErrUnavailable}
	}
	m := metaFrom(resp)
	if resp.StatusCode == http.StatusPartialContent {
		m.Status = http.StatusOK
		m.Size = totalFromContentRange(resp.Header.Get("Content-Range"))
	}
	return m, nil
}

func (f *HTTPFetcher) Get(ctx context.Context, ref string, rangeHeader string) (*Response, error) {
	var h http.Header
	if rangeHeader != "" {
		h = http.Header{"Range": {rangeHeader}}
	}
	resp, err := f.do(ctx, http.MethodGet, ref, h)
	if err != nil {
		return nil, unavailable("get", ref, err)
	}
	if err := statusError("get", ref, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, err
	}
	return &Response{Meta: metaFrom(resp), Header: resp.Header, Body: resp.Body}, nil
}

func (f *HTTPFetcher) do(ctx context.Context, method, ref string, h http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, ref, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.userAgent)
	// Archive digests are computed over the stored bytes, never a re-encoding.
	req.Header.Set("Accept-Encoding", "identity")
	return f.client.Do(req)
}

func metaFrom(resp *http.Response) Meta {
	return Meta{
		Status:       resp.StatusCode,
		Size:         resp.ContentLength,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}
}

// totalFromContentRange parses the complete length out of "bytes 0-0/1234".
func totalFromContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
