// Package objectstore stores the bytes behind output files and releases
// them once their records are purged.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnsupportedURL is returned for output file URLs that do not name an
// object in the store.
var ErrUnsupportedURL = errors.New("unsupported object url")

// NewMinIOClient builds a client for the configured endpoint.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// MinioReleaser deletes released objects from an S3-compatible store.
type MinioReleaser struct {
	client        *minio.Client
	defaultBucket string
}

// NewMinioReleaser creates a releaser for cfg.
func NewMinioReleaser(cfg Config) (*MinioReleaser, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioReleaser{client: client, defaultBucket: cfg.Bucket}, nil
}

// ReleaseBytes removes the object at location. Removing an object that is
// already gone succeeds.
func (r *MinioReleaser) ReleaseBytes(ctx context.Context, location string) error {
	bucket, key, err := ParseLocation(location, r.defaultBucket)
	if err != nil {
		return err
	}
	if err := r.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
	}
	return nil
}

// MinioUploader puts engine results into the configured bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader creates an uploader for cfg. cfg.Bucket is required.
func NewMinioUploader(cfg Config) (*MinioUploader, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores size bytes from r under key and returns the s3:// URL that
// ReleaseBytes accepts.
func (u *MinioUploader) Upload(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrUnsupportedURL)
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := u.client.PutObject(ctx, u.bucket, key, r, size, opts); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", u.bucket, key, err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}

// ParseLocation splits an output file URL into bucket and key. It accepts
// "s3://bucket/key" and bare keys, which resolve against defaultBucket.
func ParseLocation(location, defaultBucket string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrUnsupportedURL, location, err)
	}

	switch u.Scheme {
	case "s3":
		bucket, key = u.Host, strings.TrimPrefix(u.Path, "/")
	case "":
		bucket, key = defaultBucket, strings.TrimPrefix(u.Path, "/")
	default:
		return "", "", fmt.Errorf("%w: scheme %q in %q", ErrUnsupportedURL, u.Scheme, location)
	}

	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q names no object", ErrUnsupportedURL, location)
	}
	return bucket, key, nil
}

// NopReleaser keeps the bytes and only lets the records go.
type NopReleaser struct{}

func (NopReleaser) ReleaseBytes(context.Context, string) error { return nil }

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
