package crypto

import (
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// NewDeterministicProvider returns a Provider whose randomness is a ChaCha20
// keystream keyed by SHA-256(seed). Two providers built from the same seed
// produce the same keys, salts and handshake transcripts.
//
// It exists for golden-vector and transcript tests and must not be used to
// pair real devices.
func NewDeterministicProvider(seed []byte, kind CipherKind) Provider {
	return newSuiteProvider(kind, newKeystreamReader(seed))
}

type keystreamReader struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

func newKeystreamReader(seed []byte) *keystreamReader {
	key := sha256.Sum256(seed)
	var nonce [chacha20.NonceSize]byte

	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	return &keystreamReader{stream: stream}
}

func (r *keystreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range p {
		p[i] = 0
	}
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}
