package publish

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores one object and returns the reference a gateway fetches it
// by. name is a suggested object name; content-addressed stores ignore it.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

// CASUploader posts objects to a content-addressed storage node; the node
// answers with the address.
type CASUploader struct {
	Base   string
	Client *http.Client
}

func (u *CASUploader) Upload(ctx context.Context, _ string, r io.Reader, size int64) (string, error) {
	base := strings.TrimRight(u.Base, "/")
	if base == "" {
		return "", fmt.Errorf("cas: no store URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/storage/", r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cas: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("cas: read address: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("cas: store answered %s", resp.Status)
	}
	addr := strings.TrimSpace(string(body))
	if addr == "" || strings.ContainsAny(addr, "/?# \n") {
		return "", fmt.Errorf("cas: unexpected address %q", addr)
	}
	return "cas://" + addr, nil
}

// S3PutAPI is the subset of the S3 client the uploader uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes objects under Prefix in Bucket.
type S3Uploader struct {
	API    S3PutAPI
	Bucket string
	Prefix string
}

func (u *S3Uploader) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := strings.TrimLeft(strings.Trim(u.Prefix, "/")+"/"+name, "/")
	in := &s3.PutObjectInput{
		Bucket:        aws.String(u.Bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	}
	if ct := contentType(name); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := u.API.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + u.Bucket + "/" + key, nil
}

// DirUploader copies objects into Root. The returned reference is BaseURL
// plus the name when BaseURL is set, else the absolute file path.
type DirUploader struct {
	Root    string
	BaseURL string
}

func (u *DirUploader) Upload(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	dst := filepath.Join(u.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}

	if u.BaseURL != "" {
		return strings.TrimRight(u.BaseURL, "/") + "/" + name, nil
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	return abs, nil
}
