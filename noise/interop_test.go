package noise

import (
	"crypto/rand"
	"testing"

	fnoise "github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairtunnel/crypto"
)

type suiteSource interface {
	CipherSuite() fnoise.CipherSuite
}

func referenceHandshake(t *testing.T, p crypto.Provider, initiator bool, kp *crypto.KeyPair, psk crypto.PSK) *fnoise.HandshakeState {
	t.Helper()
	src, ok := p.(suiteSource)
	require.True(t, ok, "provider must expose its cipher suite")

	hs, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:           src.CipherSuite(),
		Random:                rand.Reader,
		Pattern:               fnoise.HandshakeXX,
		Initiator:             initiator,
		StaticKeypair:         fnoise.DHKey{Private: append([]byte(nil), kp.Private[:]...), Public: append([]byte(nil), kp.Public[:]...)},
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 3,
	})
	require.NoError(t, err)
	return hs
}

func TestInteropAsResponder(t *testing.T) {
	psk := testPSK(t, "K7X9")
	p := crypto.DefaultProvider()
	ikp, err := p.GenerateKeyPair()
	require.NoError(t, err)
	rkp, err := p.GenerateKeyPair()
	require.NoError(t, err)

	ref := referenceHandshake(t, p, true, ikp, psk)
	resp, err := NewSession(Config{Role: Responder, StaticKeypair: rkp, PSK: psk, Provider: p})
	require.NoError(t, err)

	msg1, _, _, err := ref.WriteMessage(nil, []byte("m1"))
	require.NoError(t, err)
	payload, err := resp.ReadMessage(msg1)
	require.NoError(t, err)
	assert.Equal(t, []byte("m1"), payload)

	msg2, err := resp.WriteMessage([]byte("m2"))
	require.NoError(t, err)
	payload, _, _, err = ref.ReadMessage(nil, msg2)
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), payload)
	assert.Equal(t, rkp.Public[:], ref.PeerStatic())

	msg3, cs1, cs2, err := ref.WriteMessage(nil, []byte("m3"))
	require.NoError(t, err)
	require.NotNil(t, cs1)
	payload, err = resp.ReadMessage(msg3)
	require.NoError(t, err)
	assert.Equal(t, []byte("m3"), payload)
	require.NoError(t, resp.Split())

	rs, ok := resp.RemoteStatic()
	require.True(t, ok)
	assert.Equal(t, ikp.Public, rs)

	hh, ok := resp.HandshakeHash()
	require.True(t, ok)
	assert.Equal(t, ref.ChannelBinding(), hh)

	ct, err := cs1.Encrypt(nil, nil, []byte("to responder"))
	require.NoError(t, err)
	pt, err := resp.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("to responder"), pt)

	ct, err = resp.Encrypt([]byte("to initiator"))
	require.NoError(t, err)
	pt, err = cs2.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("to initiator"), pt)
}

func TestInteropAsInitiator(t *testing.T) {
	psk := testPSK(t, "K7X9")
	p := crypto.NewProvider(crypto.CipherChaChaPoly)
	ikp, err := p.GenerateKeyPair()
	require.NoError(t, err)
	rkp, err := p.GenerateKeyPair()
	require.NoError(t, err)

	init, err := NewSession(Config{Role: Initiator, StaticKeypair: ikp, PSK: psk, Provider: p})
	require.NoError(t, err)
	ref := referenceHandshake(t, p, false, rkp, psk)

	msg1, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, _, _, err = ref.ReadMessage(nil, msg1)
	require.NoError(t, err)

	msg2, _, _, err := ref.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, err = init.ReadMessage(msg2)
	require.NoError(t, err)

	msg3, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, cs1, cs2, err := ref.ReadMessage(nil, msg3)
	require.NoError(t, err)
	require.NotNil(t, cs2)
	require.NoError(t, init.Split())

	ct, err := init.Encrypt([]byte("request"))
	require.NoError(t, err)
	pt, err := cs1.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("request"), pt)

	ct, err = cs2.Encrypt(nil, nil, []byte("response"))
	require.NoError(t, err)
	pt, err = init.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("response"), pt)
}

func TestInteropRejectsWrongPSK(t *testing.T) {
	p := crypto.DefaultProvider()
	ikp, err := p.GenerateKeyPair()
	require.NoError(t, err)
	rkp, err := p.GenerateKeyPair()
	require.NoError(t, err)

	ref := referenceHandshake(t, p, true, ikp, testPSK(t, "WRNG"))
	resp, err := NewSession(Config{Role: Responder, StaticKeypair: rkp, PSK: testPSK(t, "K7X9"), Provider: p})
	require.NoError(t, err)

	msg1, _, _, err := ref.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(t, err)
	msg2, err := resp.WriteMessage(nil)
	require.NoError(t, err)
	_, _, _, err = ref.ReadMessage(nil, msg2)
	require.NoError(t, err)
	msg3, _, _, err := ref.WriteMessage(nil, nil)
	require.NoError(t, err)

	_, err = resp.ReadMessage(msg3)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
