package pairtunnel

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/pairtunnel/crypto"
	"github.com/opd-ai/pairtunnel/keystore"
	"github.com/opd-ai/pairtunnel/pairing"
)

// Options holds settings shared by Listener and Connector.
type Options struct {
	// Provider supplies randomness and primitives for keys, salts,
	// passwords and the Noise session.
	Provider crypto.Provider
	// KeyStore holds static keypairs. Defaults to an in-memory store.
	KeyStore *keystore.Store
	// PasswordLength is the length of generated pairing passwords.
	PasswordLength int
	// ConnectTimeout bounds the relay connect when ctx has no deadline.
	ConnectTimeout time.Duration
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Prologue is mixed into the handshake; both sides must agree.
	Prologue []byte
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Provider:       crypto.DefaultProvider(),
		PasswordLength: pairing.DefaultPasswordLength,
		ConnectTimeout: 15 * time.Second,
	}
}

// normalize fills zero fields with defaults. A nil receiver yields defaults.
func (o *Options) normalize() *Options {
	out := NewOptions()
	if o == nil {
		out.KeyStore = keystore.New(keystore.NewMemoryBackend(), keystore.WithProvider(out.Provider))
		return out
	}
	*out = *o
	if out.Provider == nil {
		out.Provider = crypto.DefaultProvider()
	}
	if out.PasswordLength <= 0 {
		out.PasswordLength = pairing.DefaultPasswordLength
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 15 * time.Second
	}
	if out.KeyStore == nil {
		out.KeyStore = keystore.New(keystore.NewMemoryBackend(), keystore.WithProvider(out.Provider))
	}
	return out
}

// ListenConfig configures Listener.Listen.
type ListenConfig struct {
	// RelayURL is the relay WebSocket endpoint.
	RelayURL string
	// Username is the name this listener registers under.
	Username string
	// DeviceID selects the static keypair. Defaults to Username.
	DeviceID string
	// Password overrides the generated pairing password.
	Password string
}

// ConnectConfig configures Connect.
type ConnectConfig struct {
	RelayURL string
	// PairingCode is the code shown by the listener.
	PairingCode string
	// ClientName identifies this device to the listener.
	ClientName string
	// DeviceID selects the static keypair. Defaults to "remote-" + ClientName.
	DeviceID string
}
