package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DispatchesByScheme(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	r := NewRouter().Handle("file", FileFetcher{}).Handle("", FileFetcher{})

	m, err := r.Head(context.Background(), "file://"+filepath.ToSlash(p))
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Size)

	resp, err := r.Get(context.Background(), p, "")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello", string(b))

	_, err = r.Head(context.Background(), "gopher://x/y")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFileFetcher_Missing(t *testing.T) {
	_, err := FileFetcher{}.Head(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCASFetcher_MapsAddressToStoragePath(t *testing.T) {
	var seen string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
		w.Header().Set("Content-Length", "3")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("zip"))
		}
	}))
	defer up.Close()

	c := NewCASFetcher(up.URL+"/", NewHTTPFetcher(nil, 0))
	m, err := c.Head(context.Background(), "cas://deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "/storage/deadbeef", seen)
	assert.Equal(t, `"deadbeef"`, m.ETag)

	_, err = c.Head(context.Background(), "cas://a/b")
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeS3 struct {
	head *s3.HeadObjectOutput
	get  *s3.GetObjectOutput
	err  error
	last *s3.GetObjectInput
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.head, f.err
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.last = in
	return f.get, f.err
}

func TestS3Fetcher_HeadAndGet(t *testing.T) {
	mod := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	api := &fakeS3{
		head: &s3.HeadObjectOutput{ContentLength: aws.Int64(42), ETag: aws.String(`"e1"`), LastModified: &mod},
		get: &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader([]byte("abc"))),
			ContentLength: aws.Int64(3),
			ContentRange:  aws.String("bytes 0-2/42"),
			ETag:          aws.String(`"e1"`),
		},
	}
	f := NewS3Fetcher(api)

	m, err := f.Head(context.Background(), "s3://bucket/site/app.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.Size)
	assert.Equal(t, `"e1"`, m.ETag)
	assert.Equal(t, mod.Format(http.TimeFormat), m.LastModified)

	resp, err := f.Get(context.Background(), "s3://bucket/site/app.zip", "bytes=0-2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "bucket", aws.ToString(api.last.Bucket))
	assert.Equal(t, "site/app.zip", aws.ToString(api.last.Key))
	assert.Equal(t, "bytes=0-2", aws.ToString(api.last.Range))
	assert.Equal(t, `"e1"`, resp.Header.Get("ETag"))
}

func TestS3Fetcher_ErrorCodes(t *testing.T) {
	f := NewS3Fetcher(&fakeS3{err: &smithy.GenericAPIError{Code: "NoSuchKey"}})
	_, err := f.Get(context.Background(), "s3://b/k", "")
	assert.ErrorIs(t, err, ErrNotFound)

	f = NewS3Fetcher(&fakeS3{err: &smithy.GenericAPIError{Code: "InvalidRange"}})
	_, err = f.Get(context.Background(), "s3://b/k", "bytes=99-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)

	f = NewS3Fetcher(&fakeS3{err: io.ErrUnexpectedEOF})
	_, err = f.Head(context.Background(), "s3://b/k")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, _, err = ParseS3Ref("s3://only-bucket")
	assert.Error(t, err)
}
