package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/pairtunnel/crypto"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encryption format version
	EncryptionVersion = 1
	// FileSaltSize is the size of the salt for PBKDF2
	FileSaltSize = 32

	recordExt = ".key"
	saltName  = ".salt"
)

// FileBackend stores one AES-GCM encrypted file per record, keyed by a
// passphrase stretched with PBKDF2. Writes go through a temporary file and
// a rename.
type FileBackend struct {
	mu            sync.Mutex
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewFileBackend creates a file backend in dataDir. passphrase is wiped
// after the encryption key is derived.
func NewFileBackend(dataDir string, passphrase []byte) (*FileBackend, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fb := &FileBackend{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, saltName),
	}

	salt, err := fb.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(fb.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)
	crypto.ZeroBytes(passphrase)

	return fb, nil
}

func (fb *FileBackend) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, FileSaltSize)

	data, err := os.ReadFile(fb.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(fb.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != FileSaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), FileSaltSize)
	}

	copy(salt, data)
	return salt, nil
}

func (fb *FileBackend) path(key string) string {
	return filepath.Join(fb.dataDir, key+recordExt)
}

func (fb *FileBackend) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(fb.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Put encrypts value and writes it.
// Format: [version:2][nonce:12][ciphertext+tag:N]
// The key name is bound as associated data so records cannot be swapped.
func (fb *FileBackend) Put(key string, value []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.put(key, value)
}

func (fb *FileBackend) put(key string, value []byte) error {
	gcm, err := fb.gcm()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, value, []byte(key))

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := fb.path(key) + ".tmp"
	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, fb.path(key)); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Get reads and decrypts a record. A record that fails to authenticate is
// reported as ErrCorruptRecord.
func (fb *FileBackend) Get(key string) ([]byte, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.get(key)
}

func (fb *FileBackend) get(key string) ([]byte, error) {
	data, err := os.ReadFile(fb.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("%w: file too short: %d bytes", ErrCorruptRecord, len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("%w: unsupported encryption version %d", ErrCorruptRecord, version)
	}

	gcm, err := fb.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		crypto.NewPackageLogger("keystore", "FileBackend.Get").
			WithError(err, "decrypt", "open_record").
			WithField("key", key).
			Warn("Record failed authentication")
		return nil, fmt.Errorf("%w: decryption failed (wrong passphrase or corrupted data)", ErrCorruptRecord)
	}
	return plaintext, nil
}

// Delete overwrites the record with zeros before removing it.
func (fb *FileBackend) Delete(key string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	filePath := fb.path(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}
	return os.Remove(filePath)
}

func (fb *FileBackend) Keys() ([]string, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.keys()
}

func (fb *FileBackend) keys() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(fb.dataDir, "*"+recordExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, strings.TrimSuffix(filepath.Base(f), recordExt))
	}
	return keys, nil
}

// RotatePassphrase re-encrypts every record under a key derived from a new
// passphrase and a fresh salt. Records that fail to decrypt abort the
// rotation and leave the store unchanged.
func (fb *FileBackend) RotatePassphrase(newPassphrase []byte) error {
	if len(newPassphrase) == 0 {
		return fmt.Errorf("new passphrase cannot be empty")
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	keys, err := fb.keys()
	if err != nil {
		return err
	}

	records := make(map[string][]byte, len(keys))
	defer func() {
		for _, v := range records {
			crypto.ZeroBytes(v)
		}
	}()
	for _, k := range keys {
		v, err := fb.get(k)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", k, err)
		}
		records[k] = v
	}

	newSalt := make([]byte, FileSaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}

	newKey := pbkdf2.Key(newPassphrase, newSalt, PBKDF2Iterations, 32, sha256.New)
	oldKey := fb.encryptionKey
	copy(fb.encryptionKey[:], newKey)
	crypto.ZeroBytes(newKey)

	for k, v := range records {
		if err := fb.put(k, v); err != nil {
			fb.encryptionKey = oldKey
			return fmt.Errorf("failed to re-encrypt %s: %w", k, err)
		}
	}

	if err := os.WriteFile(fb.saltFile, newSalt, 0o600); err != nil {
		fb.encryptionKey = oldKey
		return fmt.Errorf("failed to save new salt: %w", err)
	}

	crypto.ZeroBytes(oldKey[:])
	crypto.ZeroBytes(newPassphrase)

	crypto.NewPackageLogger("keystore", "RotatePassphrase").
		WithField("records", len(records)).
		Info("Rotated file store passphrase")
	return nil
}

// Close wipes the encryption key. The backend must not be used afterwards.
func (fb *FileBackend) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	crypto.ZeroBytes(fb.encryptionKey[:])
	return nil
}
