package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures an S3Fetcher.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// S3Fetcher reads s3://bucket/object URLs from an S3-compatible store.
type S3Fetcher struct {
	client *minio.Client
}

// NewS3Fetcher connects a MinIO client. No request is made until Fetch.
func NewS3Fetcher(opts S3Options) (*S3Fetcher, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client for %s: %w", opts.Endpoint, err)
	}
	return &S3Fetcher{client: client}, nil
}

// Fetch streams the object. A missing object surfaces on first read as
// well as here, depending on the server.
func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, object, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	obj, err := f.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, rawURL, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, rawURL, err)
	}
	return obj, nil
}

// ParseS3URL splits s3://bucket/path/to/object.
func ParseS3URL(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || object == "" {
		return "", "", fmt.Errorf("%w: want s3://bucket/object, got %q", ErrInvalidJob, rawURL)
	}
	return u.Host, object, nil
}
