package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the "type" discriminator of a tunnel envelope.
type Type string

const (
	TypeUserClientConnect   Type = "user-client-connect"
	TypeRemoteClientConnect Type = "remote-client-connect"
	TypeConnectResponse     Type = "connect-response"
	TypeConnectionRequest   Type = "connection-request"
	TypeConnectionApproval  Type = "connection-approval"
	TypeCachedAuth          Type = "cached-auth"
	TypeFirstTimeAuth       Type = "first-time-auth"
	TypeNoiseMessage1       Type = "noise-message-1"
	TypeNoiseMessage2       Type = "noise-message-2"
	TypeNoiseMessage3       Type = "noise-message-3"
	TypeCredentialRequest   Type = "credential-request"
	TypeCredentialResponse  Type = "credential-response"
)

var (
	// ErrUnknownType is returned by Decode for envelopes with an unrecognized
	// type. Such envelopes are ignored by the tunnel.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrMalformed is returned by Decode for frames that are not a JSON
	// object with a string "type".
	ErrMalformed = errors.New("malformed envelope")
)

// Message is one variant of the envelope union.
type Message interface {
	Type() Type
}

// UserClientConnect registers a listening device with the relay.
type UserClientConnect struct {
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// RemoteClientConnect asks the relay to connect a peer to the listener
// registered under Username.
type RemoteClientConnect struct {
	Username   string `json:"username"`
	ClientName string `json:"clientName,omitempty"`
	SessionID  string `json:"sessionId"`
}

// ConnectResponse acknowledges a connect envelope.
type ConnectResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// ConnectionRequest tells the listener a peer wants to pair.
type ConnectionRequest struct {
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// ConnectionApproval carries the listener's decision back to the peer.
type ConnectionApproval struct {
	SessionID string `json:"sessionId"`
	Approved  bool   `json:"approved"`
}

// CachedAuth tells the listener the peer was approved before.
type CachedAuth struct {
	Username string `json:"username"`
	ClientID string `json:"clientId"`
}

// FirstTimeAuth tells the listener the peer must authenticate with the
// pairing code.
type FirstTimeAuth struct {
	Username string `json:"username"`
	ClientID string `json:"clientId"`
}

// NoiseMessage carries one XXpsk3 handshake message. Step is 1, 2 or 3 and
// selects the envelope type.
type NoiseMessage struct {
	Step     int    `json:"-"`
	Username string `json:"username,omitempty"`
	Data     []byte `json:"data"`
	ClientID string `json:"clientId,omitempty"`
}

// CredentialRequest carries an encrypted credential request.
type CredentialRequest struct {
	Encrypted []byte `json:"encrypted"`
	ClientID  string `json:"clientId,omitempty"`
}

// CredentialResponse carries an encrypted credential response.
type CredentialResponse struct {
	Encrypted []byte `json:"encrypted"`
	ClientID  string `json:"clientId,omitempty"`
}

func (UserClientConnect) Type() Type   { return TypeUserClientConnect }
func (RemoteClientConnect) Type() Type { return TypeRemoteClientConnect }
func (ConnectResponse) Type() Type     { return TypeConnectResponse }
func (ConnectionRequest) Type() Type   { return TypeConnectionRequest }
func (ConnectionApproval) Type() Type  { return TypeConnectionApproval }
func (CachedAuth) Type() Type          { return TypeCachedAuth }
func (FirstTimeAuth) Type() Type       { return TypeFirstTimeAuth }
func (CredentialRequest) Type() Type   { return TypeCredentialRequest }
func (CredentialResponse) Type() Type  { return TypeCredentialResponse }

func (m NoiseMessage) Type() Type {
	switch m.Step {
	case 1:
		return TypeNoiseMessage1
	case 2:
		return TypeNoiseMessage2
	case 3:
		return TypeNoiseMessage3
	default:
		return Type(fmt.Sprintf("noise-message-%d", m.Step))
	}
}

// Encode serializes m as a JSON object with its "type" field first.
func Encode(m Message) ([]byte, error) {
	if nm, ok := m.(NoiseMessage); ok && (nm.Step < 1 || nm.Step > 3) {
		return nil, fmt.Errorf("noise message step %d out of range", nm.Step)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	typ, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a frame into its concrete Message.
func Decode(frame []byte) (Message, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *head.Type {
	case TypeUserClientConnect:
		return decodeAs[UserClientConnect](frame)
	case TypeRemoteClientConnect:
		return decodeAs[RemoteClientConnect](frame)
	case TypeConnectResponse:
		return decodeAs[ConnectResponse](frame)
	case TypeConnectionRequest:
		return decodeAs[ConnectionRequest](frame)
	case TypeConnectionApproval:
		return decodeAs[ConnectionApproval](frame)
	case TypeCachedAuth:
		return decodeAs[CachedAuth](frame)
	case TypeFirstTimeAuth:
		return decodeAs[FirstTimeAuth](frame)
	case TypeNoiseMessage1, TypeNoiseMessage2, TypeNoiseMessage3:
		msg, err := decodeAs[NoiseMessage](frame)
		if err != nil {
			return nil, err
		}
		nm := msg.(NoiseMessage)
		nm.Step = int((*head.Type)[len(*head.Type)-1] - '0')
		return nm, nil
	case TypeCredentialRequest:
		return decodeAs[CredentialRequest](frame)
	case TypeCredentialResponse:
		return decodeAs[CredentialResponse](frame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
}

func decodeAs[T Message](frame []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
