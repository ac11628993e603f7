// Package blob stores opaque byte objects under (bucket, name).
// Production deployments use the file-backed store; the in-memory store is a
// process-lifetime singleton owned by the composition root, used in tests and
// stub deployments.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no object exists under (bucket, name).
var ErrNotFound = errors.New("blob: object not found")

// Store is the object storage capability the pipelines depend on.
type Store interface {
	Put(ctx context.Context, bucket, name string, data []byte) error
	Get(ctx context.Context, bucket, name string) ([]byte, error)
}

// FileStore persists objects as files under <root>/<bucket>/<name>.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed blob store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) objectPath(bucket, name string) (string, error) {
	if bucket == "" || name == "" {
		return "", fmt.Errorf("bucket and name must be non-empty")
	}
	// Object names are generated internally; reject traversal anyway.
	if strings.Contains(bucket, "..") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid object reference %s/%s", bucket, name)
	}
	return filepath.Join(s.root, bucket, name), nil
}

func (s *FileStore) Put(ctx context.Context, bucket, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.objectPath(bucket, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// MemoryStore keeps objects in a mutex-guarded map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, name string) string {
	return bucket + "/" + name
}

func (s *MemoryStore) Put(ctx context.Context, bucket, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	s.mu.Lock()
	s.objects[objectKey(bucket, name)] = copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[objectKey(bucket, name)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}
