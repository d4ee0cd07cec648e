package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/opd-ai/pairtunnel/transport"
)

func startRelay(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	s := New(DefaultConfig())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
}

func dial(t *testing.T, url string, hello transport.Message) *transport.Tunnel {
	t.Helper()
	tun, err := transport.Dial(context.Background(), transport.Config{URL: url, Hello: hello})
	require.NoError(t, err)
	t.Cleanup(func() { tun.Close() })
	return tun
}

// collect starts tun and funnels the given envelope types into one channel.
func collect(tun *transport.Tunnel, types ...transport.Type) chan transport.Message {
	ch := make(chan transport.Message, 16)
	for _, typ := range types {
		tun.Handle(typ, func(m transport.Message) { ch <- m })
	}
	tun.Start()
	return ch
}

func expect(t *testing.T, ch chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func expectNothing(t *testing.T, ch chan transport.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected envelope %s", m.Type())
	case <-time.After(150 * time.Millisecond):
	}
}

var listenerTypes = []transport.Type{
	transport.TypeConnectionRequest,
	transport.TypeCachedAuth,
	transport.TypeFirstTimeAuth,
	transport.TypeNoiseMessage1,
	transport.TypeNoiseMessage3,
	transport.TypeCredentialRequest,
}

var remoteTypes = []transport.Type{
	transport.TypeConnectionApproval,
	transport.TypeNoiseMessage2,
	transport.TypeCredentialResponse,
}

func TestListenerRegistration(t *testing.T) {
	s, _, url := startRelay(t)

	tun := dial(t, url, transport.UserClientConnect{Username: "anders", SessionID: "s1"})
	assert.NotEmpty(t, tun.ClientID())

	_, err := transport.Dial(context.Background(), transport.Config{
		URL:   url,
		Hello: transport.UserClientConnect{Username: "anders"},
	})
	var cerr *transport.ConnectError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "username already registered", cerr.Reason)

	_, err = transport.Dial(context.Background(), transport.Config{
		URL:   url,
		Hello: transport.UserClientConnect{},
	})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "username is required", cerr.Reason)

	assert.Equal(t, Stats{Listeners: 1}, s.Stats())
}

func TestRemoteToUnknownListener(t *testing.T) {
	_, _, url := startRelay(t)

	_, err := transport.Dial(context.Background(), transport.Config{
		URL:   url,
		Hello: transport.RemoteClientConnect{Username: "nobody", ClientName: "phone"},
	})
	var cerr *transport.ConnectError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "listener not found", cerr.Reason)
}

func TestRouting(t *testing.T) {
	_, _, url := startRelay(t)

	lst := dial(t, url, transport.UserClientConnect{Username: "anders"})
	toListener := collect(lst, listenerTypes...)

	remote := dial(t, url, transport.RemoteClientConnect{Username: "anders", ClientName: "phone", SessionID: "rs-1"})
	toRemote := collect(remote, remoteTypes...)
	clientID := remote.ClientID()
	require.NotEmpty(t, clientID)

	req := expect(t, toListener).(transport.ConnectionRequest)
	assert.Equal(t, transport.ConnectionRequest{ClientID: clientID, Username: "phone", SessionID: "rs-1"}, req)

	// Nothing is forwarded before approval.
	require.NoError(t, remote.Send(transport.NoiseMessage{Step: 1, Username: "phone", Data: []byte{1}}))
	expectNothing(t, toListener)

	require.NoError(t, lst.Send(transport.ConnectionApproval{SessionID: "rs-1", Approved: true}))
	assert.Equal(t, transport.FirstTimeAuth{Username: "phone", ClientID: clientID}, expect(t, toListener))
	assert.Equal(t, transport.ConnectionApproval{SessionID: "rs-1", Approved: true}, expect(t, toRemote))

	require.NoError(t, remote.Send(transport.NoiseMessage{Step: 1, Username: "phone", Data: []byte{1}}))
	assert.Equal(t, transport.NoiseMessage{Step: 1, Username: "phone", Data: []byte{1}, ClientID: clientID}, expect(t, toListener))

	require.NoError(t, lst.Send(transport.NoiseMessage{Step: 2, Data: []byte{2}, ClientID: clientID}))
	assert.Equal(t, transport.NoiseMessage{Step: 2, Data: []byte{2}, ClientID: clientID}, expect(t, toRemote))

	// A reply without a client id goes to the last approved remote.
	require.NoError(t, lst.Send(transport.CredentialResponse{Encrypted: []byte{9}}))
	assert.Equal(t, transport.CredentialResponse{Encrypted: []byte{9}}, expect(t, toRemote))

	require.NoError(t, remote.Send(transport.CredentialRequest{Encrypted: []byte{5}}))
	assert.Equal(t, transport.CredentialRequest{Encrypted: []byte{5}, ClientID: clientID}, expect(t, toListener))
}

func TestDeniedRemoteIsDropped(t *testing.T) {
	_, _, url := startRelay(t)

	lst := dial(t, url, transport.UserClientConnect{Username: "anders"})
	toListener := collect(lst, listenerTypes...)
	remote := dial(t, url, transport.RemoteClientConnect{Username: "anders", ClientName: "phone"})
	toRemote := collect(remote, remoteTypes...)

	req := expect(t, toListener).(transport.ConnectionRequest)
	require.NoError(t, lst.Send(transport.ConnectionApproval{SessionID: req.SessionID, Approved: false}))
	assert.Equal(t, transport.ConnectionApproval{SessionID: req.SessionID, Approved: false}, expect(t, toRemote))

	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("denied remote not disconnected")
	}
	expectNothing(t, toListener)
}

func TestCachedAuthOnReconnect(t *testing.T) {
	_, _, url := startRelay(t)

	lst := dial(t, url, transport.UserClientConnect{Username: "anders"})
	toListener := collect(lst, listenerTypes...)

	for i, want := range []transport.Type{transport.TypeFirstTimeAuth, transport.TypeCachedAuth} {
		remote := dial(t, url, transport.RemoteClientConnect{Username: "anders", ClientName: "phone"})
		collect(remote, remoteTypes...)

		req := expect(t, toListener).(transport.ConnectionRequest)
		require.NoError(t, lst.Send(transport.ConnectionApproval{SessionID: req.SessionID, Approved: true}))
		assert.Equal(t, want, expect(t, toListener).Type(), "connection %d", i)
		remote.Close()
	}
}

func TestListenerDisconnectDropsRemotes(t *testing.T) {
	s, _, url := startRelay(t)

	lst := dial(t, url, transport.UserClientConnect{Username: "anders"})
	toListener := collect(lst, listenerTypes...)
	remote := dial(t, url, transport.RemoteClientConnect{Username: "anders", ClientName: "phone"})
	collect(remote, remoteTypes...)
	expect(t, toListener)

	lst.Close()

	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote not disconnected")
	}
	assert.Eventually(t, func() bool { return s.Stats() == Stats{} }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	_, srv, url := startRelay(t)
	dial(t, url, transport.UserClientConnect{Username: "anders"})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, Stats{Listeners: 1}, stats)
}

func TestConnectionRateLimit(t *testing.T) {
	s := New(Config{ConnectionRate: rate.Every(time.Hour), ConnectionBurst: 1})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath

	tun, err := transport.Dial(context.Background(), transport.Config{URL: url, Hello: transport.UserClientConnect{Username: "a"}})
	require.NoError(t, err)
	defer tun.Close()

	_, err = transport.Dial(context.Background(), transport.Config{URL: url, Hello: transport.UserClientConnect{Username: "b"}})
	var terr *transport.TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "dial", terr.Op)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(rate.Every(time.Hour), 2)
	assert.True(t, l.Allow("10.0.0.1:1000"))
	assert.True(t, l.Allow("10.0.0.1:1001"))
	assert.False(t, l.Allow("10.0.0.1:1002"))
	assert.True(t, l.Allow("10.0.0.2:1000"))

	unlimited := NewLimiter(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Allow("10.0.0.1:1"))
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
