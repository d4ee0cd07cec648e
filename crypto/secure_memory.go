package crypto

import (
	"errors"
	"runtime"
)

// ErrNilSecret is returned when asked to wipe nothing.
var ErrNilSecret = errors.New("cannot wipe nil secret")

// SecureWipe overwrites data with zeros. A nil slice is an error so that a
// forgotten allocation does not pass silently.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilSecret
	}
	clear(data)
	// Keep the slice reachable until the stores above are done.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that do not care about nil.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair zeroes the secret half of kp. The public key is left intact.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilSecret
	}
	return SecureWipe(kp.Private[:])
}

// CloneKeyPair returns an independent copy of kp so the caller can wipe its
// copy without affecting the original owner.
func CloneKeyPair(kp *KeyPair) *KeyPair {
	if kp == nil {
		return nil
	}
	clone := *kp
	return &clone
}
