package pairtunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairtunnel/crypto"
	"github.com/opd-ai/pairtunnel/noise"
	"github.com/opd-ai/pairtunnel/pairing"
	"github.com/opd-ai/pairtunnel/transport"
)

// closeWait bounds how long Close waits for the read loop to report the
// disconnect.
const closeWait = 5 * time.Second

// progressSentMessage2 is the HandshakeProgressEvent message after the
// responder answered message 1.
const progressSentMessage2 = "Sent message 2"

// unknownPeer names a peer whose noise-message-1 carried no username.
const unknownPeer = "unknown"

type pendingConnection struct {
	clientID string
	username string
}

type pendingCredential struct {
	domain   string
	username string
	clientID string
}

// Listener is the side that shows the pairing code, approves peers and
// releases credentials. It runs at most one Noise session at a time; a new
// noise-message-1 replaces the current one.
//
// Events are delivered through Subscribe. Request events carry a Respond
// method that must be called exactly once.
type Listener struct {
	opts *Options
	bus  *eventBus

	mu       sync.Mutex
	started  bool
	closed   bool
	tunnel   *transport.Tunnel
	username string
	code     string
	static   *crypto.KeyPair
	psk      crypto.PSK
	hasPSK   bool

	session    *noise.Session
	peerName   string
	peerClient string

	pendingConns map[string]pendingConnection
	pendingCreds map[string]pendingCredential
	// approved and denied hold client ids and usernames by the listener's
	// last answer. Only approved peers may start a handshake.
	approved map[string]bool
	denied   map[string]bool
}

// NewListener creates an idle listener. A nil opts uses NewOptions with an
// in-memory key store.
func NewListener(opts *Options) *Listener {
	return &Listener{
		opts:         opts.normalize(),
		bus:          newEventBus(),
		pendingConns: make(map[string]pendingConnection),
		pendingCreds: make(map[string]pendingCredential),
		approved:     make(map[string]bool),
		denied:       make(map[string]bool),
	}
}

// Subscribe returns a channel of events emitted from now on, in order. The
// channel is closed by cancel or after Close has flushed pending events.
// Events are queued without bound, so a slow reader never stalls the
// listener.
func (l *Listener) Subscribe() (<-chan Event, func()) {
	return l.bus.subscribe()
}

// PairingCode returns the current pairing code, or "" before Listen.
func (l *Listener) PairingCode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code
}

// IsReady reports whether a handshake has completed and transport messages
// can be exchanged.
func (l *Listener) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session != nil && l.session.IsHandshakeComplete()
}

// Listen registers with the relay, prepares the static key and PSK, and
// emits ListeningEvent followed by PairingCodeGeneratedEvent. Failures are
// also reported as an ErrorEvent with context "listen".
func (l *Listener) Listen(ctx context.Context, cfg ListenConfig) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrClosed
	case l.started:
		l.mu.Unlock()
		return ErrAlreadyListening
	}
	l.started = true
	l.mu.Unlock()

	if err := l.listen(ctx, cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listen",
			"username": cfg.Username,
			"error":    err.Error(),
		}).Error("Failed to start listener")
		l.bus.publish(&ErrorEvent{Err: err, Context: "listen"})
		return err
	}
	return nil
}

func (l *Listener) listen(ctx context.Context, cfg ListenConfig) error {
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	if cfg.RelayURL == "" {
		return errors.New("relay URL is required")
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = cfg.Username
	}

	static, err := l.opts.KeyStore.GetOrCreate(deviceID)
	if err != nil {
		return fmt.Errorf("load static key: %w", err)
	}

	psk, code, password, err := l.preparePairing(cfg)
	if err != nil {
		_ = crypto.WipeKeyPair(static)
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ConnectTimeout)
		defer cancel()
	}
	tun, err := transport.Dial(ctx, transport.Config{
		URL:    cfg.RelayURL,
		Hello:  transport.UserClientConnect{Username: cfg.Username, SessionID: newSessionID()},
		Dialer: l.opts.Dialer,
	})
	if err != nil {
		_ = crypto.WipeKeyPair(static)
		psk.Wipe()
		return err
	}

	tun.Handle(transport.TypeConnectionRequest, l.handleConnectionRequest)
	tun.Handle(transport.TypeCachedAuth, l.handleCachedAuth)
	tun.Handle(transport.TypeFirstTimeAuth, l.handleFirstTimeAuth)
	tun.Handle(transport.TypeNoiseMessage1, l.handleNoiseMessage1)
	tun.Handle(transport.TypeNoiseMessage3, l.handleNoiseMessage3)
	tun.Handle(transport.TypeCredentialRequest, l.handleCredentialRequest)
	tun.OnDisconnect(l.handleDisconnect)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		tun.Close()
		_ = crypto.WipeKeyPair(static)
		psk.Wipe()
		return ErrClosed
	}
	l.tunnel = tun
	l.username = cfg.Username
	l.static = static
	l.psk = psk
	l.hasPSK = true
	l.code = code
	l.bus.publish(&ListeningEvent{Username: cfg.Username})
	l.bus.publish(&PairingCodeGeneratedEvent{PairingCode: code, Password: password})
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"username": cfg.Username,
		"device":   deviceID,
	}).WithFields(crypto.PublicKeyFields(static.Public[:], "static")).Info("Listening for pairing requests")

	tun.Start()
	return nil
}

// preparePairing draws a salt and password and derives the PSK.
func (l *Listener) preparePairing(cfg ListenConfig) (crypto.PSK, string, string, error) {
	salt, err := crypto.GenerateSalt(l.opts.Provider)
	if err != nil {
		return crypto.PSK{}, "", "", err
	}
	password := cfg.Password
	if password == "" {
		password, err = pairing.GeneratePassword(l.opts.Provider, l.opts.PasswordLength)
		if err != nil {
			return crypto.PSK{}, "", "", err
		}
	}
	code, err := pairing.Encode(password, salt, cfg.Username)
	if err != nil {
		return crypto.PSK{}, "", "", err
	}
	psk, err := crypto.DerivePSK(l.opts.Provider, password, salt)
	if err != nil {
		return crypto.PSK{}, "", "", err
	}
	return psk, code, password, nil
}

func (l *Listener) handleConnectionRequest(m transport.Message) {
	req := m.(transport.ConnectionRequest)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.ClientID
	}
	l.pendingConns[sessionID] = pendingConnection{clientID: req.ClientID, username: req.Username}

	logrus.WithFields(logrus.Fields{
		"function":  "handleConnectionRequest",
		"client_id": req.ClientID,
		"peer":      req.Username,
	}).Info("Connection request received")

	l.bus.publish(&ConnectionRequestEvent{
		ClientID:       req.ClientID,
		RemoteUsername: req.Username,
		SessionID:      sessionID,
		listener:       l,
	})
}

func (l *Listener) respondConnection(sessionID string, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pendingConns[sessionID]
	if !ok {
		return ErrAlreadyResponded
	}
	delete(l.pendingConns, sessionID)
	if l.closed || l.tunnel == nil {
		return ErrClosed
	}

	for _, key := range []string{p.clientID, p.username} {
		if key == "" {
			continue
		}
		l.approved[key] = approved
		l.denied[key] = !approved
	}

	if err := l.tunnel.Send(transport.ConnectionApproval{SessionID: sessionID, Approved: approved}); err != nil {
		l.bus.publish(&ErrorEvent{Err: err, Context: "connection-approval"})
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "respondConnection",
		"client_id": p.clientID,
		"peer":      p.username,
		"approved":  approved,
	}).Info("Answered connection request")

	if approved {
		l.bus.publish(&ConnectionApprovedEvent{ClientID: p.clientID, RemoteUsername: p.username})
	} else {
		l.bus.publish(&ConnectionDeniedEvent{ClientID: p.clientID, RemoteUsername: p.username})
	}
	return nil
}

func (l *Listener) handleCachedAuth(m transport.Message) {
	auth := m.(transport.CachedAuth)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.bus.publish(&AuthCompleteEvent{RemoteUsername: auth.Username, Phase: AuthPhaseCached})
}

func (l *Listener) handleFirstTimeAuth(m transport.Message) {
	auth := m.(transport.FirstTimeAuth)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if !l.hasPSK {
		l.bus.publish(&ErrorEvent{
			Err:     errors.New("first-time authentication requires a pairing PSK"),
			Context: "auth",
		})
		return
	}
	l.bus.publish(&AuthCompleteEvent{RemoteUsername: auth.Username, Phase: AuthPhaseFirstTime})
}

func (l *Listener) handleNoiseMessage1(m transport.Message) {
	nm := m.(transport.NoiseMessage)
	peer := nm.Username
	if peer == "" {
		peer = unknownPeer
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if !l.mayHandshakeLocked(nm.ClientID, peer) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleNoiseMessage1",
			"client_id": nm.ClientID,
			"peer":      peer,
		}).Warn("Ignoring handshake from peer that was not approved")
		l.bus.publish(&ErrorEvent{Err: ErrConnectionDenied, Context: "handshake"})
		return
	}

	l.resetSessionLocked()
	l.bus.publish(&HandshakeStartEvent{RemoteUsername: peer})

	sess, err := noise.NewSession(noise.Config{
		Role:          noise.Responder,
		StaticKeypair: l.static,
		PSK:           l.psk,
		Provider:      l.opts.Provider,
		Prologue:      l.opts.Prologue,
	})
	if err != nil {
		l.handshakeFailedLocked(err)
		return
	}
	if _, err := sess.ReadMessage(nm.Data); err != nil {
		l.handshakeFailedLocked(err)
		return
	}
	msg2, err := sess.WriteMessage(nil)
	if err != nil {
		l.handshakeFailedLocked(err)
		return
	}
	if err := l.tunnel.Send(transport.NoiseMessage{Step: 2, Data: msg2, ClientID: nm.ClientID}); err != nil {
		sess.Destroy()
		l.handshakeFailedLocked(err)
		return
	}

	l.session = sess
	l.peerName = peer
	l.peerClient = nm.ClientID
	l.bus.publish(&HandshakeProgressEvent{RemoteUsername: peer, Message: progressSentMessage2})
}

// mayHandshakeLocked reports whether the peer was approved and not denied
// since. The relay stamps forwarded handshakes with the client id; the
// username only decides when it did not.
func (l *Listener) mayHandshakeLocked(clientID, peer string) bool {
	if l.denied[peer] {
		return false
	}
	if clientID != "" {
		return l.approved[clientID] && !l.denied[clientID]
	}
	return l.approved[peer]
}

func (l *Listener) handleNoiseMessage3(m transport.Message) {
	nm := m.(transport.NoiseMessage)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.session == nil || l.session.State() != noise.StateAwaitingMessage3 {
		l.bus.publish(&ErrorEvent{Err: errors.New("noise session not initialized"), Context: "handshake"})
		return
	}

	if _, err := l.session.ReadMessage(nm.Data); err != nil {
		l.handshakeFailedLocked(err)
		return
	}
	if err := l.session.Split(); err != nil {
		l.handshakeFailedLocked(err)
		return
	}

	remote, _ := l.session.RemoteStatic()
	logrus.WithFields(logrus.Fields{
		"function": "handleNoiseMessage3",
		"peer":     l.peerName,
	}).WithFields(crypto.PublicKeyFields(remote[:], "remote_static")).Info("Secure channel established")

	l.bus.publish(&HandshakeCompleteEvent{RemoteUsername: l.peerName, RemoteStatic: remote})
}

// handshakeFailedLocked drops the current session and reports err.
func (l *Listener) handshakeFailedLocked(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "handshakeFailed",
		"peer":     l.peerName,
		"error":    err.Error(),
	}).Warn("Handshake failed")
	l.resetSessionLocked()
	l.bus.publish(&ErrorEvent{Err: err, Context: "handshake"})
}

// resetSessionLocked destroys the session and forgets its pending requests.
func (l *Listener) resetSessionLocked() {
	if l.session != nil {
		l.session.Destroy()
		l.session = nil
	}
	l.peerName = ""
	l.peerClient = ""
	for id := range l.pendingCreds {
		delete(l.pendingCreds, id)
	}
}

func (l *Listener) handleCredentialRequest(m transport.Message) {
	cr := m.(transport.CredentialRequest)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.session == nil || !l.session.IsHandshakeComplete() {
		l.bus.publish(&ErrorEvent{Err: ErrSecureChannelNotEstablished, Context: "credential-request"})
		return
	}

	plaintext, err := l.session.Decrypt(cr.Encrypted)
	if err != nil {
		// The session destroys itself on a failed decrypt.
		l.resetSessionLocked()
		l.bus.publish(&ErrorEvent{Err: err, Context: "credential-request"})
		return
	}
	var req credentialRequestPayload
	err = json.Unmarshal(plaintext, &req)
	crypto.ZeroBytes(plaintext)
	if err != nil {
		l.bus.publish(&ErrorEvent{Err: fmt.Errorf("malformed credential request: %w", err), Context: "credential-request"})
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if _, dup := l.pendingCreds[requestID]; dup {
		l.bus.publish(&ErrorEvent{Err: fmt.Errorf("duplicate credential request %s", requestID), Context: "credential-request"})
		return
	}
	peer := req.Username
	if peer == "" {
		peer = l.peerName
	}
	clientID := cr.ClientID
	if clientID == "" {
		clientID = l.peerClient
	}
	l.pendingCreds[requestID] = pendingCredential{domain: req.Domain, username: peer, clientID: clientID}

	logrus.WithFields(logrus.Fields{
		"function":   "handleCredentialRequest",
		"domain":     req.Domain,
		"peer":       peer,
		"request_id": requestID,
	}).Info("Credential request received")

	l.bus.publish(&CredentialRequestEvent{
		Domain:         req.Domain,
		RemoteUsername: peer,
		RequestID:      requestID,
		listener:       l,
	})
}

func (l *Listener) respondCredential(requestID string, approved bool, cred *Credential) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pendingCreds[requestID]
	if !ok {
		return ErrAlreadyResponded
	}
	delete(l.pendingCreds, requestID)
	if l.closed {
		return ErrClosed
	}
	if l.session == nil || !l.session.IsHandshakeComplete() {
		l.bus.publish(&ErrorEvent{Err: ErrSecureChannelNotEstablished, Context: "credential-response"})
		return ErrSecureChannelNotEstablished
	}

	release := approved && cred != nil
	payload := credentialResponsePayload{RequestID: requestID}
	if release {
		payload.Credential = cred
		payload.Domain = p.domain
		payload.Timestamp = time.Now().UnixMilli()
	} else {
		payload.Error = credentialDenied
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ciphertext, err := l.session.Encrypt(raw)
	crypto.ZeroBytes(raw)
	if err != nil {
		l.resetSessionLocked()
		l.bus.publish(&ErrorEvent{Err: err, Context: "credential-response"})
		return err
	}
	if err := l.tunnel.Send(transport.CredentialResponse{Encrypted: ciphertext, ClientID: p.clientID}); err != nil {
		// The send nonce has moved on without the peer; the channel is gone.
		l.resetSessionLocked()
		l.bus.publish(&ErrorEvent{Err: err, Context: "credential-response"})
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "respondCredential",
		"domain":     p.domain,
		"peer":       p.username,
		"request_id": requestID,
		"released":   release,
	}).Info("Answered credential request")

	if release {
		l.bus.publish(&CredentialApprovedEvent{Domain: p.domain, RemoteUsername: p.username})
	} else {
		l.bus.publish(&CredentialDeniedEvent{Domain: p.domain, RemoteUsername: p.username})
	}
	return nil
}

func (l *Listener) handleDisconnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := logrus.Fields{"function": "handleDisconnect", "username": l.username}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Disconnected from relay")

	l.resetSessionLocked()
	for id := range l.pendingConns {
		delete(l.pendingConns, id)
	}
	for id := range l.approved {
		delete(l.approved, id)
	}
	l.bus.publish(&DisconnectedEvent{})
}

// Close disconnects from the relay, destroys any session, wipes the PSK and
// static key, and closes every subscriber channel after flushing queued
// events. It is safe to call in any state and more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	tun := l.tunnel
	l.mu.Unlock()

	if tun != nil {
		tun.Close()
		select {
		case <-tun.Done():
		case <-time.After(closeWait):
		}
	}

	l.mu.Lock()
	l.resetSessionLocked()
	for id := range l.pendingConns {
		delete(l.pendingConns, id)
	}
	l.psk.Wipe()
	l.hasPSK = false
	if l.static != nil {
		_ = crypto.WipeKeyPair(l.static)
		l.static = nil
	}
	l.mu.Unlock()

	l.bus.close()
	return nil
}

// newSessionID returns an id for the connect envelope.
func newSessionID() string {
	return "user-session-" + xid.New().String()
}
