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

// Connector is the device that entered a pairing code. It is the Noise
// initiator and asks the listener for credentials once the channel is up.
type Connector struct {
	tunnel     *transport.Tunnel
	clientName string
	listener   string

	approvals chan transport.ConnectionApproval
	handshake chan transport.NoiseMessage
	responses chan transport.CredentialResponse

	// mu guards session and disconnected. The tunnel's read goroutine
	// destroys the session when the relay connection ends.
	mu           sync.Mutex
	session      *noise.Session
	disconnected bool

	// reqMu serializes RequestCredential so responses decrypt in order.
	reqMu sync.Mutex

	closeOnce sync.Once
}

// Connect decodes the pairing code, joins the listener through the relay,
// waits for approval and runs the handshake. It returns ErrConnectionDenied
// if the listener refused.
func Connect(ctx context.Context, cfg ConnectConfig, opts *Options) (*Connector, error) {
	opts = opts.normalize()
	if cfg.RelayURL == "" {
		return nil, errors.New("relay URL is required")
	}
	if cfg.ClientName == "" {
		return nil, errors.New("client name is required")
	}

	code, err := pairing.Decode(cfg.PairingCode)
	if err != nil {
		return nil, err
	}
	psk, err := code.DerivePSK(opts.Provider)
	if err != nil {
		return nil, err
	}
	defer psk.Wipe()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "remote-" + cfg.ClientName
	}
	static, err := opts.KeyStore.GetOrCreate(deviceID)
	if err != nil {
		return nil, fmt.Errorf("load static key: %w", err)
	}
	defer func() { _ = crypto.WipeKeyPair(static) }()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	tun, err := transport.Dial(ctx, transport.Config{
		URL: cfg.RelayURL,
		Hello: transport.RemoteClientConnect{
			Username:   code.Username,
			ClientName: cfg.ClientName,
			SessionID:  "remote-session-" + xid.New().String(),
		},
		Dialer: opts.Dialer,
	})
	if err != nil {
		return nil, err
	}

	c := &Connector{
		tunnel:     tun,
		clientName: cfg.ClientName,
		listener:   code.Username,
		approvals:  make(chan transport.ConnectionApproval, 1),
		handshake:  make(chan transport.NoiseMessage, 1),
		responses:  make(chan transport.CredentialResponse, 16),
	}
	tun.Handle(transport.TypeConnectionApproval, func(m transport.Message) {
		select {
		case c.approvals <- m.(transport.ConnectionApproval):
		default:
		}
	})
	tun.Handle(transport.TypeNoiseMessage2, func(m transport.Message) {
		select {
		case c.handshake <- m.(transport.NoiseMessage):
		default:
		}
	})
	tun.Handle(transport.TypeCredentialResponse, c.handleCredentialResponse)
	tun.OnDisconnect(c.handleDisconnect)
	tun.Start()

	if err := c.pair(ctx, static, psk, opts); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connector) pair(ctx context.Context, static *crypto.KeyPair, psk crypto.PSK, opts *Options) error {
	approval, err := await(ctx, c.approvals, c.tunnel.Done())
	if err != nil {
		return err
	}
	if !approval.Approved {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"listener": c.listener,
		}).Warn("Connection denied by listener")
		return ErrConnectionDenied
	}

	sess, err := noise.NewSession(noise.Config{
		Role:          noise.Initiator,
		StaticKeypair: static,
		PSK:           psk,
		Provider:      opts.Provider,
		Prologue:      opts.Prologue,
	})
	if err != nil {
		return err
	}
	if err := c.setSession(sess); err != nil {
		return err
	}

	msg1, err := sess.WriteMessage(nil)
	if err != nil {
		return err
	}
	if err := c.tunnel.Send(transport.NoiseMessage{Step: 1, Username: c.clientName, Data: msg1}); err != nil {
		return err
	}

	reply, err := await(ctx, c.handshake, c.tunnel.Done())
	if err != nil {
		return err
	}
	if _, err := sess.ReadMessage(reply.Data); err != nil {
		return err
	}

	msg3, err := sess.WriteMessage(nil)
	if err != nil {
		return err
	}
	if err := c.tunnel.Send(transport.NoiseMessage{Step: 3, Username: c.clientName, Data: msg3}); err != nil {
		return err
	}
	if err := sess.Split(); err != nil {
		return err
	}

	remote, _ := sess.RemoteStatic()
	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"listener": c.listener,
	}).WithFields(crypto.PublicKeyFields(remote[:], "remote_static")).Info("Secure channel established")
	return nil
}

// setSession installs sess unless the tunnel is already gone, in which case
// sess is destroyed and ErrDisconnected returned.
func (c *Connector) setSession(sess *noise.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		sess.Destroy()
		return ErrDisconnected
	}
	c.session = sess
	return nil
}

func (c *Connector) currentSession() *noise.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connector) destroySession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
	}
}

// handleCredentialResponse runs on the tunnel's read goroutine and must not
// block it.
func (c *Connector) handleCredentialResponse(m transport.Message) {
	select {
	case c.responses <- m.(transport.CredentialResponse):
	default:
		// A dropped response puts the receive nonce out of step for good.
		logrus.WithFields(logrus.Fields{
			"function": "handleCredentialResponse",
			"listener": c.listener,
			"backlog":  cap(c.responses),
		}).Warn("Too many unanswered credential responses, destroying session")
		c.destroySession()
	}
}

func (c *Connector) handleDisconnect(err error) {
	fields := logrus.Fields{"function": "handleDisconnect", "listener": c.listener}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Disconnected from relay")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	if c.session != nil {
		c.session.Destroy()
	}
}

// RemoteStatic returns the listener's static public key. It is zero once
// the session has been destroyed.
func (c *Connector) RemoteStatic() [32]byte {
	var rs [32]byte
	if sess := c.currentSession(); sess != nil {
		rs, _ = sess.RemoteStatic()
	}
	return rs
}

// HandshakeHash returns the channel binding value of the session.
func (c *Connector) HandshakeHash() []byte {
	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	h, _ := sess.HandshakeHash()
	return h
}

// State reports the state of the Noise session. It is StateDestroyed after
// Close or once the relay connection has ended.
func (c *Connector) State() noise.State {
	sess := c.currentSession()
	if sess == nil {
		return noise.StateUninitialized
	}
	return sess.State()
}

// RequestCredential asks the listener for the credential of domain and
// waits for its answer. A denial returns ErrCredentialDenied. Calls are
// serialized.
func (c *Connector) RequestCredential(ctx context.Context, domain string) (*CredentialResponse, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	sess := c.currentSession()
	if sess == nil {
		return nil, ErrSecureChannelNotEstablished
	}

	requestID := uuid.NewString()
	raw, err := marshalPayload(credentialRequestPayload{
		Domain:    domain,
		Username:  c.clientName,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	ciphertext, err := sess.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	if err := c.tunnel.Send(transport.CredentialRequest{Encrypted: ciphertext}); err != nil {
		return nil, err
	}

	for {
		resp, err := await(ctx, c.responses, c.tunnel.Done())
		if err != nil {
			return nil, err
		}

		// Every response is decrypted, even stale ones, to keep the
		// receive nonce in step.
		plaintext, err := sess.Decrypt(resp.Encrypted)
		if err != nil {
			return nil, err
		}
		var payload credentialResponsePayload
		err = json.Unmarshal(plaintext, &payload)
		crypto.ZeroBytes(plaintext)
		if err != nil {
			return nil, fmt.Errorf("malformed credential response: %w", err)
		}
		if payload.RequestID != requestID {
			logrus.WithFields(logrus.Fields{
				"function":   "RequestCredential",
				"request_id": payload.RequestID,
			}).Debug("Discarding stale credential response")
			continue
		}
		if payload.Error != "" || payload.Credential == nil {
			return nil, ErrCredentialDenied
		}
		return &CredentialResponse{
			Credential: *payload.Credential,
			Domain:     payload.Domain,
			RequestID:  payload.RequestID,
			Timestamp:  time.UnixMilli(payload.Timestamp),
		}, nil
	}
}

// await receives from ch. A value already queued wins over a disconnect.
func await[T any](ctx context.Context, ch chan T, done <-chan struct{}) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-done:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrDisconnected
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close destroys the session and disconnects from the relay.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.destroySession()
		c.tunnel.Close()
	})
	return nil
}
