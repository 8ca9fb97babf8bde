// Package storage provides durable object storage for finished exports.
//
// Two backends implement ObjectStorage:
//
//   - S3: any S3-compatible service through minio-go; uploads stream as
//     multipart parts and links are presigned GET URLs.
//   - Badger: an embedded store for single-node deployments; objects are
//     kept as fixed-size chunks with a retention TTL and links are
//     HMAC-signed URLs served by the web layer.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage stores a byte stream under a key and issues retrieval links.
type ObjectStorage interface {
	// Upload consumes r until EOF and stores it under key. It returns once
	// the object is durable or the upload failed.
	Upload(ctx context.Context, r io.Reader, contentType, key string) error

	// SignedURLs returns one link per key, in order. A key without a link
	// (missing object, signing failure) yields an empty string.
	SignedURLs(ctx context.Context, keys []string) ([]string, error)
}
