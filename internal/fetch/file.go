package fetch

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher serves references that point at the local filesystem, either
// "file:///abs/path" or a bare path. Range requests are not supported.
type FileFetcher struct{}

func filePath(ref string) (string, error) {
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		return filepath.FromSlash(u.Path), nil
	}
	return ref, nil
}

func (FileFetcher) Head(_ context.Context, ref string) (Meta, error) {
	p, err := filePath(ref)
	if err != nil {
		return Meta{}, unavailable("head", ref, err)
	}
	st, err := os.Stat(p)
	if err != nil {
		return Meta{}, fileError("head", ref, err)
	}
	if st.IsDir() {
		return Meta{}, &Error{Op: "head", Ref: ref, Kind: ErrNotFound}
	}
	return Meta{
		Status:       http.StatusOK,
		Size:         st.Size(),
		LastModified: st.ModTime().UTC().Format(http.TimeFormat),
		ContentType:  mime.TypeByExtension(filepath.Ext(p)),
	}, nil
}

func (f FileFetcher) Get(ctx context.Context, ref string, _ string) (*Response, error) {
	m, err := f.Head(ctx, ref)
	if err != nil {
		return nil, err
	}
	p, _ := filePath(ref)
	fh, err := os.Open(p)
	if err != nil {
		return nil, fileError("get", ref, err)
	}
	h := http.Header{}
	h.Set("Last-Modified", m.LastModified)
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
	return &Response{Meta: m, Header: h, Body: fh}, nil
}

func fileError(op, ref string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: op, Ref: ref, Kind: ErrNotFound, Err: err}
	}
	return unavailable(op, ref, err)
}
