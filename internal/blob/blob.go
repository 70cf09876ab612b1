// Package blob moves document payloads between buckets. Objects are
// addressed by gs:// URIs so the saga can work directly with the URIs
// recorded on the document.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotExist is returned by Download when the object is missing. Delete
// and Copy treat a missing target as success where that keeps the
// operation idempotent.
var ErrNotExist = errors.New("object does not exist")

// Store is the blob storage used by the persistence saga.
type Store interface {
	// Upload writes data to uri unless an object already exists there.
	// Re-uploading an existing object is a no-op, not an error.
	Upload(ctx context.Context, uri string, data []byte, contentType string) error

	// Copy copies src to dst. If dst already exists the copy is skipped:
	// identical content is the only way a destination can preexist here.
	Copy(ctx context.Context, src, dst string) error

	// Delete removes the object. Deleting a missing object is a no-op.
	Delete(ctx context.Context, uri string) error

	Exists(ctx context.Context, uri string) (bool, error)
	Download(ctx context.Context, uri string) ([]byte, error)
}

// ParseURI splits a gs://bucket/object URI.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("uri %q does not start with gs://", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("uri %q is missing a bucket or object name", uri)
	}
	return bucket, object, nil
}

// URI joins a bucket and object name into a gs:// URI.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}
