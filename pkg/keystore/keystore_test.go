package keystore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreReadsVersionedKeys(t *testing.T) {
	dir := t.TempDir()
	key := bytes.Repeat([]byte{0x42}, 32)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "P-001.key"), key, 0o600))

	material, err := NewFileStore(dir, "P-001").ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, "P-001", material.VersionID)
	assert.Equal(t, key, material.KeyBytes)
}

func TestFileStoreFallsBackToPrimaryDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "primary"), 0o700))
	key := bytes.Repeat([]byte{0x07}, 32)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "primary", "P-002.key"), key, 0o600))

	material, err := NewFileStore(dir, "P-001").Key("P-002")
	require.NoError(t, err)
	assert.Equal(t, key, material.KeyBytes)
}

func TestFileStoreRejectsMissingAndEmptyKeys(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "P-001")

	_, err := store.Key("P-404")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "P-empty.key"), nil, 0o600))
	_, err = store.Key("P-empty")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore("P-001")
	store.SetKey("P-001", []byte("material"))

	material, err := store.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, "P-001", material.VersionID)

	_, err = store.Key("P-404")
	assert.Error(t, err)
}
