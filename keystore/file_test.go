package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileBackend(t *testing.T) {
	tempDir := t.TempDir()

	fb, err := NewFileBackend(tempDir, []byte("test-password-123"))
	if err != nil {
		t.Fatalf("Failed to create file backend: %v", err)
	}
	defer fb.Close()

	salt, err := os.ReadFile(filepath.Join(tempDir, saltName))
	if err != nil {
		t.Fatalf("Failed to read salt: %v", err)
	}
	if len(salt) != FileSaltSize {
		t.Errorf("Salt size = %d, want %d", len(salt), FileSaltSize)
	}

	if _, err := NewFileBackend(tempDir, nil); err == nil {
		t.Error("Expected error for empty passphrase")
	}
}

func TestFileBackendWriteRead(t *testing.T) {
	tempDir := t.TempDir()
	fb, err := NewFileBackend(tempDir, []byte("test-password-456"))
	require.NoError(t, err)
	defer fb.Close()

	data := []byte(`{"publicKey":"x"}`)
	require.NoError(t, fb.Put("k1", data))

	got, err := fb.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	raw, err := os.ReadFile(filepath.Join(tempDir, "k1"+recordExt))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, data), "record must be encrypted at rest")

	_, err = fb.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	tempDir := t.TempDir()

	fb, err := NewFileBackend(tempDir, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, fb.Put("k", []byte("value")))
	fb.Close()

	reopened, err := NewFileBackend(tempDir, []byte("passphrase"))
	require.NoError(t, err)
	got, err := reopened.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	wrong, err := NewFileBackend(tempDir, []byte("other"))
	require.NoError(t, err)
	_, err = wrong.Get("k")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestFileBackendDetectsTamperingAndSwaps(t *testing.T) {
	tempDir := t.TempDir()
	fb, err := NewFileBackend(tempDir, []byte("passphrase"))
	require.NoError(t, err)

	require.NoError(t, fb.Put("a", []byte("alpha")))
	require.NoError(t, fb.Put("b", []byte("beta")))

	// Swapping files must fail because the key name is authenticated.
	rawA, err := os.ReadFile(filepath.Join(tempDir, "a"+recordExt))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b"+recordExt), rawA, 0o600))
	_, err = fb.Get("b")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	rawA[len(rawA)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a"+recordExt), rawA, 0o600))
	_, err = fb.Get("a")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "c"+recordExt), []byte("short"), 0o600))
	_, err = fb.Get("c")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestFileBackendDelete(t *testing.T) {
	tempDir := t.TempDir()
	fb, err := NewFileBackend(tempDir, []byte("passphrase"))
	require.NoError(t, err)

	require.NoError(t, fb.Put("k", []byte("v")))
	require.NoError(t, fb.Delete("k"))
	require.NoError(t, fb.Delete("k"))

	_, err = os.Stat(filepath.Join(tempDir, "k"+recordExt))
	assert.True(t, os.IsNotExist(err))

	keys, err := fb.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileBackendRotatePassphrase(t *testing.T) {
	tempDir := t.TempDir()
	fb, err := NewFileBackend(tempDir, []byte("old"))
	require.NoError(t, err)

	require.NoError(t, fb.Put("one", []byte("1")))
	require.NoError(t, fb.Put("two", []byte("2")))

	require.NoError(t, fb.RotatePassphrase([]byte("new")))
	assert.Error(t, fb.RotatePassphrase(nil))

	got, err := fb.Get("one")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	old, err := NewFileBackend(tempDir, []byte("old"))
	require.NoError(t, err)
	_, err = old.Get("two")
	assert.True(t, errors.Is(err, ErrCorruptRecord))

	fresh, err := NewFileBackend(tempDir, []byte("new"))
	require.NoError(t, err)
	got, err = fresh.Get("two")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestFileBackendCorruptRecordReplacedByStore(t *testing.T) {
	tempDir := t.TempDir()
	fb, err := NewFileBackend(tempDir, []byte("passphrase"))
	require.NoError(t, err)
	s := New(fb)

	first, err := s.GetOrCreate("phone")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, KeyPrefix+"phone"+recordExt), make([]byte, 64), 0o600))

	second, err := s.GetOrCreate("phone")
	require.NoError(t, err)
	assert.NotEqual(t, first.Public, second.Public)
}
