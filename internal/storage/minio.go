// Package storage uploads message attachments to object storage and hands
// back the public URL that ends up in attachment_url. Compression and
// client-side retry live outside this core.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUpload wraps attachment upload failures so callers can tell them apart
// from message send failures: the upload precedes the insert.
var ErrUpload = errors.New("attachment upload failed")

// BlobStorage accepts a file and returns its public URL.
type BlobStorage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// MinioConfig carries object storage settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base URL for uploaded objects.
	// Defaults to the endpoint when empty.
	PublicURL string
}

// MinioStorage is the minio-backed BlobStorage.
type MinioStorage struct {
	client *minio.Client
	bucket string
	base   string
}

// NewMinioStorage connects to the object store.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &MinioStorage{client: client, bucket: cfg.Bucket, base: strings.TrimRight(base, "/")}, nil
}

// Upload stores the object and returns its public URL.
func (s *MinioStorage) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return s.base + "/" + key, nil
}
