package pairtunnel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credential is released by the listener over the encrypted channel. It is
// never persisted or logged.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// String hides the password.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %q, Password: [REDACTED]}", c.Username)
}

// GoString hides the password from %#v.
func (c Credential) GoString() string {
	return c.String()
}

// CredentialResponse is the decrypted answer to Connector.RequestCredential.
type CredentialResponse struct {
	Credential Credential
	Domain     string
	RequestID  string
	Timestamp  time.Time
}

// credentialDenied is the error text carried in a denial payload.
const credentialDenied = "Credential request denied"

// credentialRequestPayload is the plaintext inside credential-request.
type credentialRequestPayload struct {
	Domain    string `json:"domain"`
	Username  string `json:"username"`
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}

// credentialResponsePayload is the plaintext inside credential-response.
// An approval sets Credential, Domain and Timestamp; a denial sets Error.
type credentialResponsePayload struct {
	Credential *Credential `json:"credential,omitempty"`
	Domain     string      `json:"domain,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
	RequestID  string      `json:"requestId"`
	Error      string      `json:"error,omitempty"`
}

func marshalPayload(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal credential payload: %w", err)
	}
	return raw, nil
}
