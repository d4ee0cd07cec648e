package pairing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairtunnel/crypto"
)

const goldenCode = "K7X9:eyJzIjoiQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQUFBQT0iLCJ1IjoiYW5kZXJzIn0="

func TestEncodeGolden(t *testing.T) {
	code, err := Encode("K7X9", make([]byte, 32), "anders")
	require.NoError(t, err)
	assert.Equal(t, goldenCode, code)
}

func TestDecodeGolden(t *testing.T) {
	c, err := Decode(goldenCode)
	require.NoError(t, err)

	assert.Equal(t, "K7X9", c.Password)
	assert.Equal(t, make([]byte, 32), c.Salt)
	assert.Equal(t, "anders", c.Username)
	assert.Equal(t, goldenCode, c.String())
}

func TestRoundTrip(t *testing.T) {
	p := crypto.NewDeterministicProvider([]byte("codec"), crypto.CipherAESGCM)

	usernames := []string{"anders", "user@example.com", "名前", "with spaces and \"quotes\""}
	for i, username := range usernames {
		password, err := GeneratePassword(p, 4+i)
		require.NoError(t, err)
		salt, err := crypto.GenerateSalt(p)
		require.NoError(t, err)

		code, err := Encode(password, salt, username)
		require.NoError(t, err)

		decoded, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, password, decoded.Password)
		assert.True(t, bytes.Equal(salt, decoded.Salt))
		assert.Equal(t, username, decoded.Username)
	}
}

func metadataBlock(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecodeRejections(t *testing.T) {
	salt32 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	salt16 := base64.StdEncoding.EncodeToString(make([]byte, 16))

	cases := []struct {
		name   string
		code   string
		reason Reason
	}{
		{"no separator", "K7X9", ReasonFormat},
		{"two separators", "K7:X9:" + metadataBlock(`{"s":"`+salt32+`","u":"a"}`), ReasonFormat},
		{"empty string", "", ReasonFormat},
		{"empty password", ":" + metadataBlock(`{"s":"`+salt32+`","u":"a"}`), ReasonEmptyPassword},
		{"metadata not base64", "K7X9:!!!not-base64!!!", ReasonCorruptMetadata},
		{"metadata not json", "K7X9:" + metadataBlock("plain text"), ReasonCorruptMetadata},
		{"metadata json array", "K7X9:" + metadataBlock(`["s","u"]`), ReasonCorruptMetadata},
		{"missing salt", "K7X9:" + metadataBlock(`{"u":"a"}`), ReasonMissingField},
		{"missing username", "K7X9:" + metadataBlock(`{"s":"`+salt32+`"}`), ReasonMissingField},
		{"empty username", "K7X9:" + metadataBlock(`{"s":"`+salt32+`","u":""}`), ReasonMissingField},
		{"salt not base64", "K7X9:" + metadataBlock(`{"s":"***","u":"a"}`), ReasonSaltEncoding},
		{"short salt", "K7X9:" + metadataBlock(`{"s":"`+salt16+`","u":"a"}`), ReasonSaltLength},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.code)
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr), "expected *ParseError, got %T", err)
			assert.Equal(t, tc.reason, perr.Reason)
			assert.True(t, errors.Is(err, &ParseError{Reason: tc.reason}))
			assert.Contains(t, err.Error(), tc.reason.String())
		})
	}
}

func TestDecodeReasonsAreDistinct(t *testing.T) {
	seen := map[string]Reason{}
	for r := ReasonFormat; r <= ReasonSaltLength; r++ {
		name := r.String()
		_, dup := seen[name]
		assert.False(t, dup, "reason name %q reused", name)
		seen[name] = r
	}
}

func TestEncodeValidation(t *testing.T) {
	salt := make([]byte, 32)

	_, err := Encode("", salt, "anders")
	assert.True(t, errors.Is(err, &ParseError{Reason: ReasonEmptyPassword}))

	_, err = Encode("K7:X9", salt, "anders")
	assert.True(t, errors.Is(err, &ParseError{Reason: ReasonFormat}))

	_, err = Encode("K7X9", salt, "")
	assert.True(t, errors.Is(err, &ParseError{Reason: ReasonMissingField}))

	_, err = Encode("K7X9", salt[:31], "anders")
	assert.True(t, errors.Is(err, &ParseError{Reason: ReasonSaltLength}))
}

func TestCodeDerivePSKMatchesDirectDerivation(t *testing.T) {
	c, err := Decode(goldenCode)
	require.NoError(t, err)

	fromCode, err := c.DerivePSK(crypto.DefaultProvider())
	require.NoError(t, err)
	direct, err := crypto.DerivePSK(crypto.DefaultProvider(), "K7X9", make([]byte, 32))
	require.NoError(t, err)

	assert.Equal(t, direct, fromCode)
}

func TestGeneratePassword(t *testing.T) {
	pw, err := GeneratePassword(nil, DefaultPasswordLength)
	require.NoError(t, err)
	assert.Len(t, pw, DefaultPasswordLength)
	for _, r := range pw {
		assert.True(t, strings.ContainsRune(PasswordAlphabet, r), "unexpected rune %q", r)
	}

	_, err = GeneratePassword(nil, 0)
	assert.Error(t, err)

	a, err := GeneratePassword(crypto.NewDeterministicProvider([]byte("x"), crypto.CipherAESGCM), 8)
	require.NoError(t, err)
	b, err := GeneratePassword(crypto.NewDeterministicProvider([]byte("x"), crypto.CipherAESGCM), 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPasswordAlphabetDividesByteRange(t *testing.T) {
	// GeneratePassword reduces a byte modulo the alphabet size.
	assert.Equal(t, 0, 256%len(PasswordAlphabet))
	seen := make(map[rune]bool)
	for _, r := range PasswordAlphabet {
		assert.False(t, seen[r], "duplicate symbol %q", r)
		seen[r] = true
	}
}
