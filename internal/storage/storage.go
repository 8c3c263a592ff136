// Package storage is the object storage client used to download archived
// market data and to mirror persisted files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pytrade/trade-core/internal/config"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Download for missing keys.
var ErrNotFound = errors.New("object not found")

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage is the minimal client the reconciler and persister need.
type ObjectStorage interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key string) error
}

// NeedsDownload reports whether localPath is missing or differs in size from obj.
func NeedsDownload(obj Object, localPath string) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		return true
	}
	return info.Size() != obj.Size
}

// Ensure S3Storage implements ObjectStorage
var _ ObjectStorage = (*S3Storage)(nil)

// S3Storage talks to any S3 compatible endpoint.
type S3Storage struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Storage creates a client from the s3.* keys.
func NewS3Storage(cfg config.S3, logger *zap.Logger) (*S3Storage, error) {
	endpoint, secure := cfg.EndpointURL, true
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	case endpoint == "":
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(strings.TrimSuffix(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("s3"),
	}, nil
}

func (s *S3Storage) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + strings.TrimPrefix(k, "/")
}

// List returns the objects under prefix with keys relative to the configured s3.prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.key(prefix), Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, info.Err)
		}
		key := info.Key
		if s.prefix != "" {
			key = strings.TrimPrefix(key, s.prefix+"/")
		}
		out = append(out, Object{Key: key, Size: info.Size, LastModified: info.LastModified})
	}
	return out, nil
}

// Download writes the object to localPath, creating parent directories.
func (s *S3Storage) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	err := s.client.FGetObject(ctx, s.bucket, s.key(key), localPath, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	s.logger.Debug("Downloaded", zap.String("key", key), zap.String("path", localPath))
	return nil
}

// Upload puts localPath under key.
func (s *S3Storage) Upload(ctx context.Context, localPath, key string) error {
	info, err := s.client.FPutObject(ctx, s.bucket, s.key(key), localPath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	s.logger.Debug("Uploaded", zap.String("key", key), zap.Int64("size", info.Size))
	return nil
}
