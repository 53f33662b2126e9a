// minio.go - S3-compatible object storage for upload content.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dcss-portal/internal/upload"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements upload.ObjectStore over a single bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// normaliseEndpoint accepts "host:port" or a URL with an http(s) scheme.
// A scheme overrides the configured SSL flag.
func normaliseEndpoint(raw string, useSSL bool) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	return raw, useSSL, nil
}

// NewMinioStore connects and checks that the bucket exists.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping verifies the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist: %s", s.bucket)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the object body. GetObject is lazy, so the object is stat'ed
// first to surface a missing key as upload.ErrObjectNotFound.
func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate(key, err)
	}
	return obj, nil
}

// Delete is idempotent; S3 reports success for absent keys.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns the count.
func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	// Cancelling stops the listing goroutine on early return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	n := 0
	for obj := range objects {
		if obj.Err != nil {
			return n, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := s.Delete(ctx, obj.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func translate(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", key, upload.ErrObjectNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
