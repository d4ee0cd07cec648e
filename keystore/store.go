// Package keystore persists the per-device long-term X25519 keypairs used as
// Noise static keys.
//
// Records are stored under a sanitized device identifier as
//
//	{"publicKey": base64, "secretKey": base64, "createdAt": epoch-ms}
//
// and written with a single Backend.Put. A record that cannot be parsed, or
// whose public key does not match its secret key, is discarded and treated as
// absent.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairtunnel/crypto"
)

// KeyPrefix namespaces static keypair records inside a shared backend.
const KeyPrefix = "noise-static-key-"

// ErrCorruptRecord marks a stored record that cannot be used.
var ErrCorruptRecord = errors.New("corrupt keypair record")

// StorageError reports a backend failure. Callers must not assume a keypair
// was saved when one is returned.
type StorageError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("keystore %s %q: %v", e.Op, e.DeviceID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Entry describes a stored keypair without exposing the secret key.
type Entry struct {
	DeviceID  string
	PublicKey [32]byte
	CreatedAt time.Time
}

type record struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
	CreatedAt int64  `json:"createdAt"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeDeviceID replaces every character outside [a-zA-Z0-9_-] with '_'.
func SanitizeDeviceID(deviceID string) string {
	return unsafeChars.ReplaceAllString(deviceID, "_")
}

func storageKey(deviceID string) string {
	return KeyPrefix + SanitizeDeviceID(deviceID)
}

// Store generates, persists and retrieves static keypairs.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	provider crypto.Provider
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithProvider sets the provider used to generate keypairs.
func WithProvider(p crypto.Provider) Option {
	return func(s *Store) {
		s.provider = p
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store on top of backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		provider: crypto.DefaultProvider(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the keypair for deviceID, generating and persisting a
// new one if none is stored or the stored one is corrupt. The returned
// keypair is a copy owned by the caller.
func (s *Store) GetOrCreate(deviceID string) (*crypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storageKey(deviceID)

	kp, _, err := s.load(key)
	switch {
	case err == nil:
		logrus.WithFields(logrus.Fields{
			"function":  "GetOrCreate",
			"device_id": deviceID,
		}).Debug("Loaded existing static keypair")
		return kp, nil
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorruptRecord):
		logrus.WithFields(logrus.Fields{
			"function":  "GetOrCreate",
			"device_id": deviceID,
			"error":     err.Error(),
		}).Warn("Discarding corrupt static keypair record")
		if derr := s.backend.Delete(key); derr != nil {
			return nil, &StorageError{Op: "delete", DeviceID: deviceID, Err: derr}
		}
	default:
		return nil, &StorageError{Op: "get", DeviceID: deviceID, Err: err}
	}

	kp, err = s.provider.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate static keypair: %w", err)
	}

	raw, err := encodeRecord(kp, s.now())
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(raw)

	if err := s.backend.Put(key, raw); err != nil {
		_ = crypto.WipeKeyPair(kp)
		return nil, &StorageError{Op: "put", DeviceID: deviceID, Err: err}
	}

	logrus.WithFields(crypto.PublicKeyFields(kp.Public[:], "public_key")).
		WithFields(logrus.Fields{
			"function":  "GetOrCreate",
			"device_id": deviceID,
		}).Info("Generated new static keypair")
	return kp, nil
}

// Has reports whether a well-formed keypair is stored for deviceID.
func (s *Store) Has(deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, _, err := s.load(storageKey(deviceID))
	switch {
	case err == nil:
		_ = crypto.WipeKeyPair(kp)
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorruptRecord):
		return false, nil
	default:
		return false, &StorageError{Op: "get", DeviceID: deviceID, Err: err}
	}
}

// Delete removes the keypair for deviceID. Deleting an absent keypair is not
// an error.
func (s *Store) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(storageKey(deviceID)); err != nil {
		return &StorageError{Op: "delete", DeviceID: deviceID, Err: err}
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Delete",
		"device_id": deviceID,
	}).Info("Deleted static keypair")
	return nil
}

// ListDeviceIDs returns the sanitized identifiers of all stored keypairs,
// sorted.
func (s *Store) ListDeviceIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]string, error) {
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	var ids []string
	for _, k := range keys {
		if strings.HasPrefix(k, KeyPrefix) {
			ids = append(ids, strings.TrimPrefix(k, KeyPrefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Entries returns the public metadata of every well-formed stored keypair.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listLocked()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		kp, created, err := s.load(KeyPrefix + id)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{DeviceID: id, PublicKey: kp.Public, CreatedAt: created})
		_ = crypto.WipeKeyPair(kp)
	}
	return entries, nil
}

// ClearAll deletes every stored keypair.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listLocked()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.backend.Delete(KeyPrefix + id); err != nil {
			return &StorageError{Op: "delete", DeviceID: id, Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "ClearAll",
		"count":    len(ids),
	}).Info("Cleared static keypairs")
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) load(key string) (*crypto.KeyPair, time.Time, error) {
	raw, err := s.backend.Get(key)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer crypto.ZeroBytes(raw)
	return decodeRecord(raw)
}

func encodeRecord(kp *crypto.KeyPair, created time.Time) ([]byte, error) {
	raw, err := json.Marshal(record{
		PublicKey: base64.StdEncoding.EncodeToString(kp.Public[:]),
		SecretKey: base64.StdEncoding.EncodeToString(kp.Private[:]),
		CreatedAt: created.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal keypair record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (*crypto.KeyPair, time.Time, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil || len(pub) != 32 {
		return nil, time.Time{}, fmt.Errorf("%w: bad public key", ErrCorruptRecord)
	}
	sec, err := base64.StdEncoding.DecodeString(rec.SecretKey)
	if err != nil || len(sec) != 32 {
		return nil, time.Time{}, fmt.Errorf("%w: bad secret key", ErrCorruptRecord)
	}
	defer crypto.ZeroBytes(sec)

	kp := &crypto.KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], sec)

	if err := kp.Validate(); err != nil {
		_ = crypto.WipeKeyPair(kp)
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	return kp, time.UnixMilli(rec.CreatedAt), nil
}
