// Package keystore loads raw encryption key material by version id.
// Key material is provisioned externally; Warden never generates keys.
package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Material is raw key bytes bound to a version id.
type Material struct {
	VersionID string
	KeyBytes  []byte
}

// Store resolves key material. Implementations must not log key bytes.
type Store interface {
	// Key loads material for a specific version.
	Key(versionID string) (Material, error)
	// ActiveKey loads material for the provisioned active version.
	ActiveKey() (Material, error)
}

// FileStore reads key files from a directory. A key for version V lives at
// <dir>/V.key, with <dir>/primary/V.key as a fallback location.
type FileStore struct {
	dir           string
	activeVersion string
}

// NewFileStore creates a file-backed key store rooted at dir.
func NewFileStore(dir, activeVersion string) *FileStore {
	return &FileStore{dir: dir, activeVersion: activeVersion}
}

func (s *FileStore) candidatePaths(versionID string) []string {
	return []string{
		filepath.Join(s.dir, versionID+".key"),
		filepath.Join(s.dir, "primary", versionID+".key"),
	}
}

func (s *FileStore) Key(versionID string) (Material, error) {
	for _, path := range s.candidatePaths(versionID) {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Material{}, fmt.Errorf("failed to read key file %s: %w", path, err)
		}
		if len(raw) == 0 {
			return Material{}, fmt.Errorf("key file is empty: %s", path)
		}
		return Material{VersionID: versionID, KeyBytes: raw}, nil
	}
	return Material{}, fmt.Errorf("key material not found for version %s in %s", versionID, s.dir)
}

func (s *FileStore) ActiveKey() (Material, error) {
	return s.Key(s.activeVersion)
}

// MemoryStore is an in-memory key store for tests.
type MemoryStore struct {
	mu            sync.RWMutex
	keys          map[string][]byte
	activeVersion string
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore(activeVersion string) *MemoryStore {
	return &MemoryStore{
		keys:          make(map[string][]byte),
		activeVersion: activeVersion,
	}
}

// SetKey registers key material for a version.
func (s *MemoryStore) SetKey(versionID string, keyBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[versionID] = keyBytes
}

func (s *MemoryStore) Key(versionID string) (Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.keys[versionID]
	if !ok {
		return Material{}, fmt.Errorf("key material not found for version %s", versionID)
	}
	return Material{VersionID: versionID, KeyBytes: raw}, nil
}

func (s *MemoryStore) ActiveKey() (Material, error) {
	return s.Key(s.activeVersion)
}
