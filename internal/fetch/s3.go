package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the fetcher uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads "s3://bucket/key" references.
type S3Fetcher struct {
	api S3API
}

func NewS3Fetcher(api S3API) *S3Fetcher {
	return &S3Fetcher{api: api}
}

// NewS3Client builds a client from the default AWS credential chain. A
// non-empty endpoint selects an S3-compatible store with path-style addressing.
func NewS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ParseS3Ref splits "s3://bucket/key/parts" into bucket and key.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 reference: %q", ref)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 reference needs bucket and key: %q", ref)
	}
	return bucket, key, nil
}

func (f *S3Fetcher) Head(ctx context.Context, ref string) (Meta, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return Meta{}, unavailable("head", ref, err)
	}
	out, err := f.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Meta{}, s3Error("head", ref, err)
	}
	m := Meta{
		Status:      http.StatusOK,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.ContentLength == nil {
		m.Size = -1
	}
	if out.LastModified != nil {
		m.LastModified = out.LastModified.UTC().Format(http.TimeFormat)
	}
	return m, nil
}

func (f *S3Fetcher) Get(ctx context.Context, ref string, rangeHeader string) (*Response, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return nil, unavailable("get", ref, err)
	}
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if rangeHeader != "" {
		in.Range = aws.String(rangeHeader)
	}
	out, err := f.api.GetObject(ctx, in)
	if err != nil {
		return nil, s3Error("get", ref, err)
	}

	status := http.StatusOK
	h := http.Header{}
	if cr := aws.ToString(out.ContentRange); cr != "" {
		status = http.StatusPartialContent
		h.Set("Content-Range", cr)
	}
	m := Meta{
		Status:      status,
		Size:        -1,
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.ContentLength != nil {
		m.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		m.LastModified = out.LastModified.UTC().Format(http.TimeFormat)
		h.Set("Last-Modified", m.LastModified)
	}
	if m.ETag != "" {
		h.Set("ETag", m.ETag)
	}
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
	if v := aws.ToString(out.CacheControl); v != "" {
		h.Set("Cache-Control", v)
	}
	if v := aws.ToString(out.AcceptRanges); v != "" {
		h.Set("Accept-Ranges", v)
	}
	return &Response{Meta: m, Header: h, Body: out.Body}, nil
}

func s3Error(op, ref string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return &Error{Op: op, Ref: ref, Status: http.StatusNotFound, Kind: ErrNotFound, Err: err}
		case "InvalidRange":
			return &Error{Op: op, Ref: ref, Status: http.StatusRequestedRangeNotSatisfiable, Kind: ErrRangeNotSatisfiable, Err: err}
		}
	}
	return unavailable(op, ref, err)
}
