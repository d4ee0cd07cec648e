package noise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairtunnel/crypto"
)

// MaxMessageLength is the largest Noise message, handshake or transport.
const MaxMessageLength = 65535

// Role defines whether we're initiating or responding to the handshake.
type Role uint8

const (
	// Initiator sends the first handshake message (the connecting device).
	Initiator Role = iota
	// Responder answers it (the listening device).
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the position of a session in the XXpsk3 exchange. Both roles walk
// the same sequence; the role decides whether the next step is a write or a
// read.
type State uint8

const (
	// StateUninitialized: message 1 has not been exchanged.
	StateUninitialized State = iota
	// StateAwaitingMessage2: message 1 done, message 2 next.
	StateAwaitingMessage2
	// StateAwaitingMessage3: message 2 done, message 3 next.
	StateAwaitingMessage3
	// StateReadyToSplit: all three messages exchanged; Split is the only
	// valid call.
	StateReadyToSplit
	// StateHandshakeComplete: transport keys are in place.
	StateHandshakeComplete
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingMessage2:
		return "awaiting-message-2"
	case StateAwaitingMessage3:
		return "awaiting-message-3"
	case StateReadyToSplit:
		return "ready-to-split"
	case StateHandshakeComplete:
		return "handshake-complete"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config configures a Session.
type Config struct {
	Role Role
	// StaticKeypair is the local long-term identity. The session keeps its
	// own copy and wipes it on Destroy.
	StaticKeypair *crypto.KeyPair
	// PSK is mixed in by the psk token of message 3.
	PSK crypto.PSK
	// Provider supplies the primitives. Defaults to crypto.DefaultProvider.
	Provider crypto.Provider
	// Prologue is optional data both sides must agree on.
	Prologue []byte
}

// Session is one XXpsk3 handshake followed by the transport phase. It is
// safe for concurrent use, although the handshake itself is inherently
// sequential.
type Session struct {
	mu sync.Mutex

	role     Role
	state    State
	pattern  handshakePattern
	provider crypto.Provider

	ss  *symmetricState
	s   crypto.KeyPair
	e   *crypto.KeyPair
	rs  [dhLen]byte
	re  [dhLen]byte
	psk crypto.PSK

	hasRS bool
	hasRE bool

	// handshakeHash is captured at Split for channel binding.
	handshakeHash [hashLen]byte

	send *cipherState
	recv *cipherState
}

// NewSession creates a session positioned before message 1.
func NewSession(cfg Config) (*Session, error) {
	if cfg.StaticKeypair == nil {
		return nil, errors.New("static keypair is required")
	}
	if err := cfg.StaticKeypair.Validate(); err != nil {
		return nil, fmt.Errorf("static keypair: %w", err)
	}
	if cfg.PSK == (crypto.PSK{}) {
		return nil, errors.New("pre-shared key is required")
	}
	if cfg.Role != Initiator && cfg.Role != Responder {
		return nil, fmt.Errorf("unknown role %d", cfg.Role)
	}

	p := cfg.Provider
	if p == nil {
		p = crypto.DefaultProvider()
	}

	s := &Session{
		role:     cfg.Role,
		pattern:  patternXXpsk3,
		provider: p,
		s:        *crypto.CloneKeyPair(cfg.StaticKeypair),
		psk:      cfg.PSK,
	}
	s.ss = newSymmetricState(p, []byte(s.pattern.protocolName(p.Name())))
	s.ss.mixHash(cfg.Prologue)

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"role":     s.role.String(),
		"protocol": s.pattern.protocolName(p.Name()),
	}).Debug("Noise session created")

	return s, nil
}

// Role returns the local role.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsHandshakeComplete reports whether Split has succeeded and the session
// has not been destroyed.
func (s *Session) IsHandshakeComplete() bool {
	return s.State() == StateHandshakeComplete
}

// RemoteStatic returns the peer's static public key once it has been
// received (message 2 for the initiator, message 3 for the responder).
func (s *Session) RemoteStatic() ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rs, s.hasRS && s.state != StateDestroyed
}

// HandshakeHash returns the final handshake hash, available after Split.
func (s *Session) HandshakeHash() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshakeComplete {
		return nil, false
	}
	return append([]byte(nil), s.handshakeHash[:]...), true
}

// messageIndex maps the state to the index of the next handshake message.
func (s *Session) messageIndex() (int, bool) {
	switch s.state {
	case StateUninitialized:
		return 0, true
	case StateAwaitingMessage2:
		return 1, true
	case StateAwaitingMessage3:
		return 2, true
	default:
		return 0, false
	}
}

// checkStep validates that the next handshake step is a write (or read) for
// this role. Any mismatch destroys the session.
func (s *Session) checkStep(writing bool) (int, error) {
	if s.state == StateDestroyed {
		return 0, ErrSessionDestroyed
	}

	op := "read"
	if writing {
		op = "write"
	}

	idx, ok := s.messageIndex()
	if !ok {
		err := violation("%s %s in state %s", s.role, op, s.state)
		s.destroyLocked()
		return 0, err
	}

	if (writerOf(idx) == s.role) != writing {
		err := violation("%s cannot %s message %d", s.role, op, idx+1)
		s.destroyLocked()
		return 0, err
	}
	return idx, nil
}

// WriteMessage produces the next handshake message carrying payload.
// Calling it when the role is expected to read fails with
// ErrProtocolViolation and destroys the session.
func (s *Session) WriteMessage(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.checkStep(true)
	if err != nil {
		return nil, err
	}

	msg, err := s.writeTokens(s.pattern.messages[idx], payload)
	if err != nil {
		s.destroyLocked()
		return nil, err
	}
	if len(msg) > MaxMessageLength {
		s.destroyLocked()
		return nil, ErrMessageTooLarge
	}

	s.advance(idx)
	logrus.WithFields(logrus.Fields{
		"function": "WriteMessage",
		"role":     s.role.String(),
		"message":  idx + 1,
		"size":     len(msg),
	}).Debug("Wrote handshake message")
	return msg, nil
}

// ReadMessage consumes the next handshake message and returns its payload.
// A malformed message, a failed MAC (including a PSK mismatch at message 3)
// or an out-of-order call destroys the session.
func (s *Session) ReadMessage(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.checkStep(false)
	if err != nil {
		return nil, err
	}
	if len(msg) > MaxMessageLength {
		s.destroyLocked()
		return nil, violation("message %d is %d bytes", idx+1, len(msg))
	}

	payload, err := s.readTokens(s.pattern.messages[idx], msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReadMessage",
			"role":     s.role.String(),
			"message":  idx + 1,
			"error":    err.Error(),
		}).Warn("Handshake message rejected")
		s.destroyLocked()
		return nil, err
	}

	s.advance(idx)
	logrus.WithFields(logrus.Fields{
		"function": "ReadMessage",
		"role":     s.role.String(),
		"message":  idx + 1,
		"size":     len(msg),
	}).Debug("Read handshake message")
	return payload, nil
}

func (s *Session) advance(idx int) {
	switch idx {
	case 0:
		s.state = StateAwaitingMessage2
	case 1:
		s.state = StateAwaitingMessage3
	case 2:
		s.state = StateReadyToSplit
	}
}

func (s *Session) writeTokens(tokens []token, payload []byte) ([]byte, error) {
	var out []byte

	for _, t := range tokens {
		switch t {
		case tokenE:
			e, err := s.provider.GenerateKeyPair()
			if err != nil {
				return nil, fmt.Errorf("generate ephemeral key: %w", err)
			}
			s.e = e
			out = append(out, e.Public[:]...)
			s.ss.mixHash(e.Public[:])
			if s.pattern.usesPSK() {
				if err := s.ss.mixKey(e.Public[:]); err != nil {
					return nil, err
				}
			}
		case tokenS:
			ct, err := s.ss.encryptAndHash(s.s.Public[:])
			if err != nil {
				return nil, err
			}
			out = append(out, ct...)
		case tokenPSK:
			if err := s.ss.mixKeyAndHash(s.psk[:]); err != nil {
				return nil, err
			}
		default:
			if err := s.mixDH(t); err != nil {
				return nil, err
			}
		}
	}

	ct, err := s.ss.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	return append(out, ct...), nil
}

func (s *Session) readTokens(tokens []token, msg []byte) ([]byte, error) {
	for _, t := range tokens {
		switch t {
		case tokenE:
			if len(msg) < dhLen {
				return nil, violation("message too short for ephemeral key")
			}
			copy(s.re[:], msg[:dhLen])
			s.hasRE = true
			msg = msg[dhLen:]
			s.ss.mixHash(s.re[:])
			if s.pattern.usesPSK() {
				if err := s.ss.mixKey(s.re[:]); err != nil {
					return nil, err
				}
			}
		case tokenS:
			n := dhLen
			if s.ss.hasK {
				n += tagLen
			}
			if len(msg) < n {
				return nil, violation("message too short for static key")
			}
			pub, err := s.ss.decryptAndHash(msg[:n])
			if err != nil {
				return nil, err
			}
			copy(s.rs[:], pub)
			s.hasRS = true
			msg = msg[n:]
		case tokenPSK:
			if err := s.ss.mixKeyAndHash(s.psk[:]); err != nil {
				return nil, err
			}
		default:
			if err := s.mixDH(t); err != nil {
				return nil, err
			}
		}
	}

	return s.ss.decryptAndHash(msg)
}

// mixDH performs the DH named by t from the local role's perspective.
func (s *Session) mixDH(t token) error {
	var local [32]byte
	var remote [32]byte

	ephemeral := func() error {
		if s.e == nil {
			return violation("%s token before local ephemeral key", t)
		}
		local = s.e.Private
		return nil
	}
	remoteEphemeral := func() error {
		if !s.hasRE {
			return violation("%s token before remote ephemeral key", t)
		}
		remote = s.re
		return nil
	}
	remoteStatic := func() error {
		if !s.hasRS {
			return violation("%s token before remote static key", t)
		}
		remote = s.rs
		return nil
	}

	var err error
	switch t {
	case tokenEE:
		if err = ephemeral(); err == nil {
			err = remoteEphemeral()
		}
	case tokenES:
		if s.role == Initiator {
			if err = ephemeral(); err == nil {
				err = remoteStatic()
			}
		} else {
			local = s.s.Private
			err = remoteEphemeral()
		}
	case tokenSE:
		if s.role == Initiator {
			local = s.s.Private
			err = remoteEphemeral()
		} else {
			if err = ephemeral(); err == nil {
				err = remoteStatic()
			}
		}
	case tokenSS:
		local = s.s.Private
		err = remoteStatic()
	default:
		err = violation("unexpected token %s", t)
	}
	defer crypto.ZeroBytes(local[:])
	if err != nil {
		return err
	}

	shared, err := s.provider.DH(local, remote)
	if err != nil {
		return violation("%s: %v", t, err)
	}
	defer crypto.ZeroBytes(shared[:])

	return s.ss.mixKey(shared[:])
}

// Split derives the transport keys. It is the only way into
// StateHandshakeComplete and is valid only after all three messages.
// Handshake secrets are wiped once the transport keys exist.
func (s *Session) Split() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return ErrSessionDestroyed
	}
	if s.state != StateReadyToSplit {
		err := violation("split in state %s", s.state)
		s.destroyLocked()
		return err
	}

	c1, c2, err := s.ss.split()
	if err != nil {
		s.destroyLocked()
		return err
	}

	if s.role == Initiator {
		s.send, s.recv = c1, c2
	} else {
		s.send, s.recv = c2, c1
	}
	s.handshakeHash = s.ss.h
	s.wipeHandshake()
	s.state = StateHandshakeComplete

	logrus.WithFields(logrus.Fields{
		"function":         "Split",
		"role":             s.role.String(),
		"peer_fingerprint": crypto.Fingerprint(s.rs[:]),
	}).Info("Noise handshake complete")
	return nil
}

// mustBeTransport enforces the transport phase. Using the transport before
// Split is a programming error.
func (s *Session) mustBeTransport(op string) error {
	switch s.state {
	case StateHandshakeComplete:
		return nil
	case StateDestroyed:
		return ErrSessionDestroyed
	default:
		panic(fmt.Sprintf("noise: %s called in state %s before Split", op, s.state))
	}
}

// Encrypt seals plaintext with the send key and the next send nonce.
// It panics if called before Split.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mustBeTransport("Encrypt"); err != nil {
		return nil, err
	}
	if len(plaintext)+tagLen > MaxMessageLength {
		return nil, ErrMessageTooLarge
	}

	ct, err := s.send.encryptWithAd(nil, plaintext)
	if err != nil {
		s.destroyLocked()
		return nil, err
	}
	return ct, nil
}

// Decrypt opens ciphertext with the receive key and the next receive nonce.
// A MAC failure or nonce exhaustion destroys the session. It panics if
// called before Split.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mustBeTransport("Decrypt"); err != nil {
		return nil, err
	}
	if len(ciphertext) > MaxMessageLength {
		s.destroyLocked()
		return nil, violation("ciphertext is %d bytes", len(ciphertext))
	}

	pt, err := s.recv.decryptWithAd(nil, ciphertext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"role":     s.role.String(),
			"error":    err.Error(),
		}).Error("Transport decrypt failed, destroying session")
		s.destroyLocked()
		return nil, err
	}
	return pt, nil
}

// Destroy wipes all key material and moves the session to StateDestroyed.
// It is safe to call more than once.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

func (s *Session) destroyLocked() {
	if s.state == StateDestroyed {
		return
	}
	s.wipeHandshake()
	if s.send != nil {
		s.send.wipe()
		s.send = nil
	}
	if s.recv != nil {
		s.recv.wipe()
		s.recv = nil
	}
	crypto.ZeroBytes(s.handshakeHash[:])
	crypto.ZeroBytes(s.rs[:])
	s.hasRS = false
	s.state = StateDestroyed

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
		"role":     s.role.String(),
	}).Debug("Noise session destroyed")
}

// wipeHandshake clears everything only the handshake needs. The remote
// static key survives until Destroy so callers can pin the peer.
func (s *Session) wipeHandshake() {
	if s.ss != nil {
		s.ss.wipe()
		s.ss = nil
	}
	if s.e != nil {
		_ = crypto.WipeKeyPair(s.e)
		s.e = nil
	}
	_ = crypto.WipeKeyPair(&s.s)
	crypto.ZeroBytes(s.re[:])
	s.hasRE = false
	s.psk.Wipe()
}
