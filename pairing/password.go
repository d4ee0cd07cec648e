package pairing

import (
	"errors"

	"github.com/opd-ai/pairtunnel/crypto"
)

// PasswordAlphabet excludes characters that are easy to confuse when read
// aloud or typed (0/O, 1/I).
const PasswordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultPasswordLength is the length of generated pairing passwords.
const DefaultPasswordLength = 4

// GeneratePassword returns a random pairing password of the given length
// drawn from PasswordAlphabet. A nil provider uses crypto.DefaultProvider.
func GeneratePassword(p crypto.Provider, length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}
	if p == nil {
		p = crypto.DefaultProvider()
	}

	random := make([]byte, length)
	if err := p.Random(random); err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(random)

	// The alphabet has 32 symbols, so the modulo introduces no bias.
	out := make([]byte, length)
	for i, b := range random {
		out[i] = PasswordAlphabet[int(b)%len(PasswordAlphabet)]
	}
	return string(out), nil
}
