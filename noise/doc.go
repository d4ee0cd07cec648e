// Package noise implements the Noise XXpsk3 handshake used to pair two
// devices, followed by the transport phase that protects credential traffic.
//
// The message token sequence is implemented here; the primitives (X25519,
// AES-GCM or ChaCha20-Poly1305, SHA-256, HKDF) come from a crypto.Provider.
// Sessions interoperate with github.com/flynn/noise configured for pattern XX
// with the pre-shared key at placement 3.
//
// # Message Flow
//
//	Initiator (connecting device)          Responder (listening device)
//	─────────────────────────────          ────────────────────────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se, psk
//	Split()                                Split()
//
// Both parties need the same PSK, derived from the pairing code. A wrong PSK
// is detected by the responder when it reads message 3.
//
// # State Machine
//
//	Uninitialized -> AwaitingMessage2 -> AwaitingMessage3 -> ReadyToSplit -> HandshakeComplete
//	       \________________\__________________\________________\____________-> Destroyed
//
// Each WriteMessage or ReadMessage advances exactly one step. A call that
// does not match the role's next step fails with ErrProtocolViolation and
// destroys the session; there is no way back and a new Session with fresh
// ephemeral keys is required.
//
// Example usage:
//
//	sess, err := noise.NewSession(noise.Config{
//	    Role:          noise.Responder,
//	    StaticKeypair: kp,
//	    PSK:           psk,
//	})
//	if err != nil {
//	    return err
//	}
//	defer sess.Destroy()
//
//	if _, err := sess.ReadMessage(msg1); err != nil {
//	    return err
//	}
//	msg2, err := sess.WriteMessage(nil)
//	// send msg2, receive msg3
//	if _, err := sess.ReadMessage(msg3); err != nil {
//	    return err
//	}
//	if err := sess.Split(); err != nil {
//	    return err
//	}
//	ct, err := sess.Encrypt(plaintext)
//
// # Transport Phase
//
// Encrypt and Decrypt use one key per direction with a 64-bit counter nonce.
// Messages must be decrypted in the order they were encrypted. A MAC failure
// or nonce exhaustion destroys the session. Calling Encrypt or Decrypt before
// Split panics.
//
// # Secure Memory
//
// The ephemeral keypair, the session's copy of the static keypair, the PSK
// and the chaining key are wiped at Split. Destroy wipes the transport keys.
package noise
