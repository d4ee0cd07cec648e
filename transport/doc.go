// Package transport carries pairing traffic between a device and the relay.
//
// Every frame is one JSON object with a "type" discriminator; [Encode] and
// [Decode] map frames to the typed envelopes in this package. Binary fields
// are standard base64 strings.
//
// # Tunnels
//
// [Dial] opens a WebSocket to the relay, sends the hello envelope
// ([UserClientConnect] for a listener, [RemoteClientConnect] for a remote
// device) and waits for the relay's [ConnectResponse]. A refused hello
// returns a [*ConnectError]; network and protocol failures return a
// [*TransportError].
//
//	tun, err := transport.Dial(ctx, transport.Config{
//	    URL:   "ws://relay.lan:8080/ws",
//	    Hello: transport.UserClientConnect{Username: "anders", SessionID: id},
//	})
//	if err != nil {
//	    return err
//	}
//	tun.Handle(transport.TypeConnectionRequest, onRequest)
//	tun.OnDisconnect(onDisconnect)
//	tun.Start()
//
// Handlers run on the read goroutine in frame order. Unknown or malformed
// frames are logged and dropped. [Tunnel.Send] is safe for concurrent use.
package transport
