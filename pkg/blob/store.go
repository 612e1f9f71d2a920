// Package blob defines the object-store abstraction the pipeline services
// coordinate through, plus in-memory and PostgreSQL backends.
//
// The store is the only cross-replica shared state: leases, publish locks and
// the dedup seen-set are all blobs. Conflict on a conditional create is the
// designed coordination signal, not a failure.
package blob

import (
	"context"
	"time"
)

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	Path        string
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Store is the object-store adapter. Paths are slash-separated and scoped to
// a logical container; containers have exactly one writing service each.
type Store interface {
	// UploadJSON marshals v and writes it, overwriting any existing object.
	UploadJSON(ctx context.Context, container, path string, v any) error

	// CreateJSON is the if-none-match variant: it fails with ErrConflict when
	// the object already exists. This is the lease/lock primitive.
	CreateJSON(ctx context.Context, container, path string, v any) error

	// UploadText writes a text object with the given content type.
	UploadText(ctx context.Context, container, path, text, contentType string) error

	// UploadBinary writes raw bytes with the given content type.
	UploadBinary(ctx context.Context, container, path string, data []byte, contentType string) error

	// DownloadJSON reads an object into v. Returns ErrNotFound on absence.
	DownloadJSON(ctx context.Context, container, path string, v any) error

	// DownloadText reads an object as a string. Returns ErrNotFound on absence.
	DownloadText(ctx context.Context, container, path string) (string, error)

	// DownloadBinary reads raw bytes and the stored content type.
	DownloadBinary(ctx context.Context, container, path string) ([]byte, string, error)

	// List returns objects under prefix, ordered by path. A non-zero
	// modifiedSince restricts the listing to objects modified at or after it.
	List(ctx context.Context, container, prefix string, modifiedSince time.Time) ([]ObjectInfo, error)

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, container, path string) error

	// Copy duplicates an object inside the store without round-tripping the
	// bytes through the caller.
	Copy(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error
}
