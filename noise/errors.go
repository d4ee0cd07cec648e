package noise

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned for any handshake or transport failure
	// that aborts the session: out-of-order calls, malformed messages, bad
	// MACs and nonce exhaustion. A fresh handshake is required afterwards.
	ErrProtocolViolation = errors.New("noise protocol violation")
	// ErrAuthenticationFailed indicates an AEAD tag did not verify.
	ErrAuthenticationFailed = fmt.Errorf("%w: authentication failed", ErrProtocolViolation)
	// ErrNonceExhausted indicates a cipher state ran out of nonces.
	ErrNonceExhausted = fmt.Errorf("%w: nonce exhausted", ErrProtocolViolation)
	// ErrSessionDestroyed is returned by every operation after Destroy.
	ErrSessionDestroyed = errors.New("noise session destroyed")
	// ErrMessageTooLarge indicates a handshake or transport message above
	// MaxMessageLength.
	ErrMessageTooLarge = errors.New("noise message too large")
)

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
