package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultPartSize is the multipart chunk size used for streaming uploads of
// unknown length.
const DefaultPartSize = 16 << 20

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// LinkTTL is how long presigned links stay valid
	LinkTTL time.Duration

	// PartSize is the multipart upload part size in bytes
	PartSize uint64
}

// S3 implements ObjectStorage on an S3-compatible service.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 creates an S3 backend. It does not contact the service.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3{client: client, cfg: cfg}, nil
}

// Upload implements ObjectStorage. The object size is unknown up front, so
// minio-go streams it as a multipart upload, holding one part in memory.
func (s *S3) Upload(ctx context.Context, r io.Reader, contentType, key string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    s.cfg.PartSize,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// SignedURLs implements ObjectStorage. Keys that do not exist or cannot be
// signed yield an empty string.
func (s *S3) SignedURLs(ctx context.Context, keys []string) ([]string, error) {
	logger := logging.FromContext(ctx)
	urls := make([]string, len(keys))
	for i, key := range keys {
		if _, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{}); err != nil {
			logger.Warn("s3: object missing for signed url", "key", key, "error", err)
			continue
		}

		u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.LinkTTL, url.Values{})
		if err != nil {
			logger.Warn("s3: failed to presign object", "key", key, "error", err)
			continue
		}
		urls[i] = u.String()
	}
	return urls, nil
}
