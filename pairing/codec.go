// Package pairing encodes and decodes the human-shareable pairing codes that
// bootstrap a device pairing.
//
// A pairing code has the form
//
//	PASSWORD:BASE64(JSON({"s": BASE64(salt), "u": username}))
//
// The listening device creates it; the connecting device parses it and derives
// the same pre-shared key from the password and salt.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opd-ai/pairtunnel/crypto"
)

// Code is the decoded form of a pairing code.
type Code struct {
	Password string
	Salt     []byte
	Username string
}

// metadata is the JSON block carried after the separator.
type metadata struct {
	Salt     string `json:"s"`
	Username string `json:"u"`
}

// Reason identifies which invariant a malformed pairing code broke.
type Reason uint8

const (
	// ReasonFormat means the code is not exactly two ':'-separated parts.
	ReasonFormat Reason = iota + 1
	// ReasonEmptyPassword means the password part is empty.
	ReasonEmptyPassword
	// ReasonCorruptMetadata means the metadata block is not base64-encoded JSON.
	ReasonCorruptMetadata
	// ReasonMissingField means the metadata lacks a salt or a username.
	ReasonMissingField
	// ReasonSaltEncoding means the salt is not valid base64.
	ReasonSaltEncoding
	// ReasonSaltLength means the decoded salt is not 32 bytes.
	ReasonSaltLength
)

// String returns a short name for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonFormat:
		return "format"
	case ReasonEmptyPassword:
		return "empty password"
	case ReasonCorruptMetadata:
		return "corrupt metadata"
	case ReasonMissingField:
		return "missing field"
	case ReasonSaltEncoding:
		return "salt encoding"
	case ReasonSaltLength:
		return "salt length"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// ParseError is returned by Decode for malformed pairing codes.
type ParseError struct {
	Reason Reason
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid pairing code: %s", e.Reason)
	}
	return fmt.Sprintf("invalid pairing code: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is match on the reason alone, e.g.
// errors.Is(err, &ParseError{Reason: ReasonSaltLength}).
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Reason == e.Reason
}

func parseError(reason Reason, format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Encode builds the pairing code string for password, salt and username.
func Encode(password string, salt []byte, username string) (string, error) {
	if password == "" {
		return "", parseError(ReasonEmptyPassword, "password is empty")
	}
	if strings.Contains(password, ":") {
		return "", parseError(ReasonFormat, "password must not contain ':'")
	}
	if username == "" {
		return "", parseError(ReasonMissingField, "username is empty")
	}
	if len(salt) != crypto.SaltSize {
		return "", parseError(ReasonSaltLength, "salt must be %d bytes, got %d", crypto.SaltSize, len(salt))
	}

	raw, err := json.Marshal(metadata{
		Salt:     base64.StdEncoding.EncodeToString(salt),
		Username: username,
	})
	if err != nil {
		return "", fmt.Errorf("marshal pairing metadata: %w", err)
	}

	return password + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

// String re-encodes the code. It returns an empty string for invalid codes.
func (c Code) String() string {
	s, err := Encode(c.Password, c.Salt, c.Username)
	if err != nil {
		return ""
	}
	return s
}

// Decode parses a pairing code. Malformed input is rejected with a
// *ParseError naming the broken invariant; nothing is repaired.
func Decode(code string) (*Code, error) {
	parts := strings.Split(code, ":")
	if len(parts) != 2 {
		return nil, parseError(ReasonFormat, "expected password:metadata, got %d parts", len(parts))
	}

	password, encoded := parts[0], parts[1]
	if password == "" {
		return nil, parseError(ReasonEmptyPassword, "password is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, parseError(ReasonCorruptMetadata, "metadata is not valid base64: %v", err)
	}

	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, parseError(ReasonCorruptMetadata, "metadata is not a JSON object: %v", err)
	}

	if meta.Salt == "" || meta.Username == "" {
		return nil, parseError(ReasonMissingField, "metadata requires non-empty s and u")
	}

	salt, err := base64.StdEncoding.DecodeString(meta.Salt)
	if err != nil {
		return nil, parseError(ReasonSaltEncoding, "salt is not valid base64: %v", err)
	}
	if len(salt) != crypto.SaltSize {
		return nil, parseError(ReasonSaltLength, "salt must be %d bytes, got %d", crypto.SaltSize, len(salt))
	}

	return &Code{
		Password: password,
		Salt:     salt,
		Username: meta.Username,
	}, nil
}

// DerivePSK derives the pre-shared key carried by the code.
func (c *Code) DerivePSK(p crypto.Provider) (crypto.PSK, error) {
	return crypto.DerivePSK(p, c.Password, c.Salt)
}
