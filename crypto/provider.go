package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

// ErrKDFUnavailable is returned when the provider cannot run HKDF. It is
// fatal for a pairing attempt; there is no fallback derivation.
var ErrKDFUnavailable = errors.New("key derivation function unavailable")

// Cipher is an AEAD initialized with a key. Nonce encoding is owned by the
// implementation so the handshake only deals in 64-bit counters.
type Cipher interface {
	Encrypt(out []byte, n uint64, ad, plaintext []byte) []byte
	Decrypt(out []byte, n uint64, ad, ciphertext []byte) ([]byte, error)
}

// Provider supplies every primitive the pairing subsystem is built from:
// X25519 key agreement, an AEAD, SHA-256 and HKDF, plus randomness.
//
// The production implementation is backed by a flynn/noise cipher suite;
// NewDeterministicProvider returns a reproducible variant for tests.
type Provider interface {
	// Name is the Noise cipher-suite name, e.g. "25519_AESGCM_SHA256".
	Name() string
	GenerateKeyPair() (*KeyPair, error)
	DH(private, public [32]byte) ([32]byte, error)
	Cipher(key [32]byte) Cipher
	Hash() hash.Hash
	HKDF(secret, salt, info []byte, length int) ([]byte, error)
	Random(b []byte) error
}

// CipherKind selects the AEAD used by a provider.
type CipherKind uint8

const (
	// CipherAESGCM selects AES-256-GCM.
	CipherAESGCM CipherKind = iota
	// CipherChaChaPoly selects ChaCha20-Poly1305.
	CipherChaChaPoly
)

// String returns the Noise name of the cipher.
func (c CipherKind) String() string {
	switch c {
	case CipherAESGCM:
		return "AESGCM"
	case CipherChaChaPoly:
		return "ChaChaPoly"
	default:
		return fmt.Sprintf("CipherKind(%d)", uint8(c))
	}
}

// ParseCipherKind maps a Noise cipher name back to a CipherKind.
func ParseCipherKind(name string) (CipherKind, error) {
	switch name {
	case "AESGCM", "":
		return CipherAESGCM, nil
	case "ChaChaPoly":
		return CipherChaChaPoly, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q", name)
	}
}

type suiteProvider struct {
	suite noise.CipherSuite
	rng   io.Reader
}

// NewProvider returns a Provider using Curve25519, the given cipher and
// SHA-256, with randomness from crypto/rand.
func NewProvider(kind CipherKind) Provider {
	return newSuiteProvider(kind, rand.Reader)
}

// DefaultProvider returns the 25519_AESGCM_SHA256 provider.
func DefaultProvider() Provider {
	return NewProvider(CipherAESGCM)
}

func newSuiteProvider(kind CipherKind, rng io.Reader) *suiteProvider {
	cipherFunc := noise.CipherAESGCM
	if kind == CipherChaChaPoly {
		cipherFunc = noise.CipherChaChaPoly
	}

	return &suiteProvider{
		suite: noise.NewCipherSuite(noise.DH25519, cipherFunc, noise.HashSHA256),
		rng:   rng,
	}
}

// CipherSuite exposes the underlying flynn/noise suite.
func (p *suiteProvider) CipherSuite() noise.CipherSuite {
	return p.suite
}

func (p *suiteProvider) Name() string {
	return string(p.suite.Name())
}

func (p *suiteProvider) GenerateKeyPair() (*KeyPair, error) {
	dhKey, err := p.suite.GenerateKeypair(p.rng)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 keypair: %w", err)
	}
	defer ZeroBytes(dhKey.Private)

	if len(dhKey.Private) != 32 || len(dhKey.Public) != 32 {
		return nil, fmt.Errorf("generate x25519 keypair: unexpected key sizes %d/%d", len(dhKey.Private), len(dhKey.Public))
	}

	kp := &KeyPair{}
	copy(kp.Private[:], dhKey.Private)
	copy(kp.Public[:], dhKey.Public)
	return kp, nil
}

func (p *suiteProvider) DH(private, public [32]byte) ([32]byte, error) {
	var out [32]byte

	shared, err := p.suite.DH(private[:], public[:])
	if err != nil {
		return out, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], shared)
	ZeroBytes(shared)
	return out, nil
}

func (p *suiteProvider) Cipher(key [32]byte) Cipher {
	return p.suite.Cipher(key)
}

func (p *suiteProvider) Hash() hash.Hash {
	return p.suite.Hash()
}

func (p *suiteProvider) HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*p.suite.Hash().Size() {
		return nil, fmt.Errorf("%w: invalid output length %d", ErrKDFUnavailable, length)
	}

	out := make([]byte, length)
	reader := hkdf.New(p.suite.Hash, secret, salt, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKDFUnavailable, err)
	}
	return out, nil
}

func (p *suiteProvider) Random(b []byte) error {
	if _, err := io.ReadFull(p.rng, b); err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}
