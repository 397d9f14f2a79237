// Package transport abstracts the remote blob store that holds encrypted
// backups. Implementations move opaque bytes only; encryption, naming and
// retention policy live with the callers.
package transport

import (
	"context"
	"time"
)

// BlobInfo describes one stored backup blob.
type BlobInfo struct {
	ID           string // storage key, opaque to callers
	Name         string // file name the blob was uploaded under
	Size         int64
	ModifiedTime time.Time
}

// ProgressFunc reports download progress. total is -1 when the remote does
// not announce a content length.
type ProgressFunc func(received, total int64)

// Transport is the remote storage boundary. List returns blobs whose name
// starts with prefix, newest first.
type Transport interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Download(ctx context.Context, id string, progress ProgressFunc) ([]byte, error)
	Delete(ctx context.Context, id string) error
}
