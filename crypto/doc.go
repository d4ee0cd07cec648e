// Package crypto provides the primitives used by device pairing.
//
// # Core Types
//
//   - [KeyPair]: long-term X25519 key pair identifying a device
//   - [Provider]: randomness, X25519, AEAD, SHA-256 and HKDF behind one
//     interface, selected by [CipherKind]
//   - [PSK]: the 32-byte pre-shared key mixed into the XXpsk3 handshake
//
// # Providers
//
// [NewProvider] backs the AEAD with AES-256-GCM or ChaCha20-Poly1305 from
// golang.org/x/crypto. Both pairing sides must use the same kind because the
// protocol name carries it. [NewDeterministicProvider] replaces the random
// source with a seeded keystream so tests can reproduce keys, salts and
// passwords.
//
// # Pairing Keys
//
// [DerivePSK] stretches the pairing password and salt with HKDF-SHA256 under
// the info string [PSKInfo]. There is no fallback: a provider without HKDF
// yields [ErrKDFUnavailable].
//
//	psk, err := crypto.DerivePSK(crypto.DefaultProvider(), "K7X9", salt)
//	if err != nil {
//	    return err
//	}
//	defer psk.Wipe()
//
// # Memory Hygiene
//
// Secret material is wiped with [ZeroBytes], [SecureWipe] and [WipeKeyPair]
// as soon as it is no longer needed. Log fields never carry secrets; use
// [PublicKeyFields] to identify a key by its [Fingerprint].
package crypto
