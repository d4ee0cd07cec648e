package noise

import (
	"fmt"
	"math"

	"github.com/opd-ai/pairtunnel/crypto"
)

const (
	// dhLen is the size of an X25519 public key.
	dhLen = 32
	// hashLen is the SHA-256 output size.
	hashLen = 32
	// tagLen is the AEAD authentication tag size.
	tagLen = 16
)

// maxNonce is the last usable nonce; 2^64-1 is reserved.
const maxNonce = uint64(math.MaxUint64) - 1

// cipherState holds one AEAD key and its nonce counter.
type cipherState struct {
	provider crypto.Provider
	k        [32]byte
	n        uint64
	hasK     bool
	c        crypto.Cipher
}

func (cs *cipherState) initializeKey(k [32]byte) {
	cs.k = k
	cs.n = 0
	cs.hasK = true
	cs.c = cs.provider.Cipher(k)
}

func (cs *cipherState) encryptWithAd(ad, plaintext []byte) ([]byte, error) {
	if !cs.hasK {
		return append([]byte(nil), plaintext...), nil
	}
	if cs.n > maxNonce {
		return nil, ErrNonceExhausted
	}
	out := cs.c.Encrypt(nil, cs.n, ad, plaintext)
	cs.n++
	return out, nil
}

func (cs *cipherState) decryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	if !cs.hasK {
		return append([]byte(nil), ciphertext...), nil
	}
	if cs.n > maxNonce {
		return nil, ErrNonceExhausted
	}
	out, err := cs.c.Decrypt(nil, cs.n, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	cs.n++
	return out, nil
}

func (cs *cipherState) wipe() {
	crypto.ZeroBytes(cs.k[:])
	cs.n = 0
	cs.hasK = false
	cs.c = nil
}

// symmetricState is the Noise SymmetricState: chaining key, handshake hash
// and the handshake cipher.
type symmetricState struct {
	cipherState
	ck [hashLen]byte
	h  [hashLen]byte
}

func newSymmetricState(p crypto.Provider, protocolName []byte) *symmetricState {
	ss := &symmetricState{cipherState: cipherState{provider: p}}
	if len(protocolName) <= hashLen {
		copy(ss.h[:], protocolName)
	} else {
		hh := p.Hash()
		hh.Write(protocolName)
		copy(ss.h[:], hh.Sum(nil))
	}
	ss.ck = ss.h
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	hh := ss.provider.Hash()
	hh.Write(ss.h[:])
	hh.Write(data)
	copy(ss.h[:], hh.Sum(nil))
}

// hkdf is the Noise HKDF: RFC 5869 with the chaining key as salt and no info.
func (ss *symmetricState) hkdf(ikm []byte, outputs int) ([][hashLen]byte, error) {
	okm, err := ss.provider.HKDF(ikm, ss.ck[:], nil, outputs*hashLen)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(okm)

	out := make([][hashLen]byte, outputs)
	for i := range out {
		copy(out[i][:], okm[i*hashLen:])
	}
	return out, nil
}

func (ss *symmetricState) mixKey(ikm []byte) error {
	out, err := ss.hkdf(ikm, 2)
	if err != nil {
		return err
	}
	ss.ck = out[0]
	ss.initializeKey(out[1])
	crypto.ZeroBytes(out[1][:])
	return nil
}

func (ss *symmetricState) mixKeyAndHash(ikm []byte) error {
	out, err := ss.hkdf(ikm, 3)
	if err != nil {
		return err
	}
	ss.ck = out[0]
	ss.mixHash(out[1][:])
	ss.initializeKey(out[2])
	crypto.ZeroBytes(out[1][:])
	crypto.ZeroBytes(out[2][:])
	return nil
}

func (ss *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := ss.encryptWithAd(ss.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ct)
	return ct, nil
}

func (ss *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := ss.decryptWithAd(ss.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport cipher states. The first encrypts
// initiator-to-responder traffic, the second the reverse direction.
func (ss *symmetricState) split() (*cipherState, *cipherState, error) {
	out, err := ss.hkdf(nil, 2)
	if err != nil {
		return nil, nil, err
	}
	c1 := &cipherState{provider: ss.provider}
	c2 := &cipherState{provider: ss.provider}
	c1.initializeKey(out[0])
	c2.initializeKey(out[1])
	crypto.ZeroBytes(out[0][:])
	crypto.ZeroBytes(out[1][:])
	return c1, c2, nil
}

func (ss *symmetricState) wipe() {
	ss.cipherState.wipe()
	crypto.ZeroBytes(ss.ck[:])
	crypto.ZeroBytes(ss.h[:])
}
