package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// PSKSize is the length of a Noise pre-shared key.
	PSKSize = 32
	// SaltSize is the length of a pairing salt.
	SaltSize = 32
	// PSKInfo is the versioned HKDF context string for pairing PSKs.
	PSKInfo = "noise-pairing-psk-v1"
)

// ErrInvalidSalt indicates a salt that is not SaltSize bytes long.
var ErrInvalidSalt = errors.New("pairing salt must be 32 bytes")

// PSK is a pre-shared key derived from a pairing code. It formats as a
// redacted string so it cannot leak through log fields.
type PSK [PSKSize]byte

// String implements fmt.Stringer without revealing key material.
func (k PSK) String() string {
	return "PSK(redacted)"
}

// GoString implements fmt.GoStringer without revealing key material.
func (k PSK) GoString() string {
	return k.String()
}

// Wipe zeroes the key in place.
func (k *PSK) Wipe() {
	ZeroBytes(k[:])
}

// DerivePSK derives the 32-byte pre-shared key for a pairing attempt from the
// pairing password and salt using HKDF-SHA256 with PSKInfo as context. Both
// sides of a pairing derive the same key from the same pairing code.
func DerivePSK(p Provider, password string, salt []byte) (PSK, error) {
	var psk PSK

	log := NewLogger("DerivePSK").WithFields(logrus.Fields{
		"password_len": len(password),
		"salt_len":     len(salt),
	})

	if p == nil {
		log.Error("No crypto provider available for PSK derivation")
		return psk, fmt.Errorf("%w: no provider", ErrKDFUnavailable)
	}
	if len(salt) != SaltSize {
		log.Warn("Rejecting salt with invalid length")
		return psk, fmt.Errorf("%w: got %d bytes", ErrInvalidSalt, len(salt))
	}

	secret := []byte(password)
	defer ZeroBytes(secret)

	out, err := p.HKDF(secret, salt, []byte(PSKInfo), PSKSize)
	if err != nil {
		log.WithError(err, "KDFError", "hkdf").Error("PSK derivation failed")
		if !errors.Is(err, ErrKDFUnavailable) {
			err = fmt.Errorf("%w: %v", ErrKDFUnavailable, err)
		}
		return psk, err
	}
	copy(psk[:], out)
	ZeroBytes(out)

	log.Debug("PSK derived")
	return psk, nil
}

// GenerateSalt returns SaltSize fresh random bytes from p.
func GenerateSalt(p Provider) ([]byte, error) {
	if p == nil {
		p = DefaultProvider()
	}

	salt := make([]byte, SaltSize)
	if err := p.Random(salt); err != nil {
		return nil, fmt.Errorf("generate pairing salt: %w", err)
	}
	return salt, nil
}
