package pairtunnel

import "errors"

var (
	// ErrSecureChannelNotEstablished is reported when a credential request
	// arrives before the handshake completed. The request is not decrypted.
	ErrSecureChannelNotEstablished = errors.New("Secure channel not established")
	// ErrAlreadyResponded is returned by a second Respond on the same request.
	ErrAlreadyResponded = errors.New("request already responded to")
	// ErrConnectionDenied is returned to a connecting peer whose request the
	// listener denied. No session is created.
	ErrConnectionDenied = errors.New("connection denied by listener")
	// ErrCredentialDenied is returned by RequestCredential on a denial.
	ErrCredentialDenied = errors.New("credential request denied")
	// ErrAlreadyListening is returned by a second Listen.
	ErrAlreadyListening = errors.New("listener already started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("closed")
	// ErrDisconnected is returned when the relay connection drops while
	// waiting.
	ErrDisconnected = errors.New("disconnected from relay")
)
