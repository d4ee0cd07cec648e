// Package pairtunnel pairs a device with a remote peer over an untrusted
// WebSocket relay and releases credentials to it through a Noise XXpsk3
// channel.
//
// The listening device publishes a short pairing code that embeds a password,
// a random salt and its username. The remote device enters the code, both
// sides derive the same pre-shared key from it, and the handshake only
// completes when the keys match. Nothing secret ever crosses the relay in the
// clear.
//
// # Getting Started
//
// Listen for a pairing and answer requests through the event stream:
//
//	l := pairtunnel.NewListener(nil)
//	defer l.Close()
//
//	events, cancel := l.Subscribe()
//	defer cancel()
//
//	err := l.Listen(ctx, pairtunnel.ListenConfig{
//	    RelayURL: "ws://relay.lan:8080/ws",
//	    Username: "anders",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range events {
//	    switch e := ev.(type) {
//	    case *pairtunnel.PairingCodeGeneratedEvent:
//	        fmt.Println("Pairing code:", e.PairingCode)
//	    case *pairtunnel.ConnectionRequestEvent:
//	        e.Respond(true)
//	    case *pairtunnel.CredentialRequestEvent:
//	        e.Respond(true, &pairtunnel.Credential{Username: "anders", Password: secret})
//	    }
//	}
//
// On the other device:
//
//	c, err := pairtunnel.Connect(ctx, pairtunnel.ConnectConfig{
//	    RelayURL:    "ws://relay.lan:8080/ws",
//	    PairingCode: code,
//	    ClientName:  "phone",
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.RequestCredential(ctx, "example.com")
//
// # Core Types
//
//   - [Listener]: shows the pairing code, approves peers and answers
//     credential requests (Noise responder)
//   - [Connector]: enters the code and requests credentials (Noise initiator)
//   - [Options]: crypto provider, key store and timeouts shared by both
//   - [Event]: everything a Listener reports, delivered in order
//
// # Approvals
//
// [ConnectionRequestEvent] and [CredentialRequestEvent] carry a Respond
// method. Each request accepts exactly one answer; later calls return
// [ErrAlreadyResponded]. A credential is only released when the answer is an
// approval with a non-nil credential, and only over an established channel.
//
// # Thread Safety
//
// Listener and Connector methods are safe for concurrent use. Events are
// queued per subscriber without bound, so a slow consumer never blocks the
// protocol.
//
// # Subpackages
//
//   - crypto/: providers, key pairs and PSK derivation
//   - pairing/: pairing code codec and password generation
//   - noise/: the XXpsk3 handshake and transport cipher states
//   - keystore/: persistent static keys (bolt, encrypted files, memory)
//   - transport/: JSON envelopes over a WebSocket tunnel
//   - relay/: the relay server
//   - discovery/: mDNS advertisement and lookup of relays
//   - config/: TOML configuration
package pairtunnel
