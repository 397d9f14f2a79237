package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clinisync/clinisync/internal/errs"
)

// MemoryTransport is an in-memory Transport for tests. The error fields
// inject failures per operation; they apply to every subsequent call until
// cleared.
type MemoryTransport struct {
	mu    sync.Mutex
	blobs map[string]memBlob
	seq   int
	now   func() time.Time

	ListErr     error
	UploadErr   error
	DownloadErr error
	DeleteErr   error
}

type memBlob struct {
	name     string
	data     []byte
	modified time.Time
}

var _ Transport = (*MemoryTransport)(nil)

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{blobs: make(map[string]memBlob), now: time.Now}
}

func (t *MemoryTransport) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ListErr != nil {
		return nil, t.ListErr
	}

	var blobs []BlobInfo
	for id, b := range t.blobs {
		if !strings.HasPrefix(b.name, prefix) {
			continue
		}
		blobs = append(blobs, BlobInfo{
			ID: id, Name: b.name, Size: int64(len(b.data)), ModifiedTime: b.modified,
		})
	}
	sort.Slice(blobs, func(i, j int) bool {
		if !blobs[i].ModifiedTime.Equal(blobs[j].ModifiedTime) {
			return blobs[i].ModifiedTime.After(blobs[j].ModifiedTime)
		}
		return blobs[i].ID > blobs[j].ID
	})
	return blobs, nil
}

func (t *MemoryTransport) Upload(_ context.Context, name string, data []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.UploadErr != nil {
		return "", t.UploadErr
	}

	t.seq++
	id := fmt.Sprintf("blob-%d", t.seq)
	t.blobs[id] = memBlob{
		name:     name,
		data:     append([]byte(nil), data...),
		modified: t.now(),
	}
	return id, nil
}

func (t *MemoryTransport) Download(_ context.Context, id string, progress ProgressFunc) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DownloadErr != nil {
		return nil, t.DownloadErr
	}

	b, ok := t.blobs[id]
	if !ok {
		return nil, fmt.Errorf("transport.Download: blob %s: %w", id, errs.ErrNotFound)
	}
	data := append([]byte(nil), b.data...)
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return data, nil
}

func (t *MemoryTransport) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DeleteErr != nil {
		return t.DeleteErr
	}

	if _, ok := t.blobs[id]; !ok {
		return fmt.Errorf("transport.Delete: blob %s: %w", id, errs.ErrNotFound)
	}
	delete(t.blobs, id)
	return nil
}

// Corrupt replaces the stored bytes of a blob, for integrity tests.
func (t *MemoryTransport) Corrupt(id string, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.blobs[id]
	if !ok {
		return false
	}
	b.data = append([]byte(nil), data...)
	t.blobs[id] = b
	return true
}

// SetClock overrides the timestamp source for deterministic listings.
func (t *MemoryTransport) SetClock(now func() time.Time) { t.now = now }
