package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ErrKeyMismatch indicates that a public key does not belong to the secret key
// it was stored with.
var ErrKeyMismatch = errors.New("public key does not match secret key")

// KeyPair is a long-term X25519 key pair identifying a device.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair with the default provider.
func GenerateKeyPair() (*KeyPair, error) {
	return DefaultProvider().GenerateKeyPair()
}

// FromSecretKey creates a key pair from an existing secret key. The public key
// is computed by X25519 scalar multiplication with the curve base point.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// Validate checks that Public is the X25519 public key of Private.
func (kp *KeyPair) Validate() error {
	if kp == nil {
		return errors.New("nil key pair")
	}

	derived, err := FromSecretKey(kp.Private)
	if err != nil {
		return err
	}
	defer func() { _ = WipeKeyPair(derived) }()

	if subtle.ConstantTimeCompare(derived.Public[:], kp.Public[:]) != 1 {
		return ErrKeyMismatch
	}
	return nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var zero [32]byte
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}
