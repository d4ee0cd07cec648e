package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	shutdowns int
}

func (s *fakeServer) Shutdown() { s.shutdowns++ }

type fakeFactory struct {
	instance, service, domain string
	port                      int
	txt                       []string
	server                    *fakeServer
	err                       error
}

func (f *fakeFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.instance, f.service, f.domain, f.port, f.txt = instance, service, domain, port, txt
	f.server = &fakeServer{}
	return f.server, nil
}

// fakeBrowser emits its entries and closes the channel when ctx ends.
type fakeBrowser struct {
	entries []*zeroconf.ServiceEntry
	err     error
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if b.err != nil {
		return b.err
	}
	go func() {
		defer close(entries)
		for _, e := range b.entries {
			if e.Service != service {
				continue
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return nil
}

func entry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, Domain)
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = txt
	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed.To4() != nil {
			e.AddrIPv4 = []net.IP{parsed}
		} else {
			e.AddrIPv6 = []net.IP{parsed}
		}
	}
	return e
}

func TestAdvertiser(t *testing.T) {
	f := &fakeFactory{}
	a := NewAdvertiser(f)

	require.NoError(t, a.Start("desk", 8080, "/ws"))
	assert.Equal(t, "desk", f.instance)
	assert.Equal(t, ServiceType, f.service)
	assert.Equal(t, Domain, f.domain)
	assert.Equal(t, 8080, f.port)
	assert.Contains(t, f.txt, "path=/ws")

	assert.ErrorIs(t, a.Start("desk", 8080, "/ws"), ErrAlreadyStarted)

	a.Stop()
	a.Stop()
	assert.Equal(t, 1, f.server.shutdowns)
}

func TestAdvertiserValidation(t *testing.T) {
	a := NewAdvertiser(&fakeFactory{})
	assert.Error(t, a.Start("desk", 0, "/ws"))
	assert.Error(t, a.Start("", 8080, "/ws"))

	failing := NewAdvertiser(&fakeFactory{err: errors.New("no multicast")})
	assert.Error(t, failing.Start("desk", 8080, "/ws"))
}

func TestResolverBrowse(t *testing.T) {
	b := &fakeBrowser{entries: []*zeroconf.ServiceEntry{
		entry("desk", 8080, "192.168.1.10", "path=/ws", "version=1"),
		entry("desk", 8080, "192.168.1.10", "path=/ws"),
		entry("laptop", 9000, "fe80::1", "path=relay"),
	}}
	r, err := NewResolver(b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	relays, err := r.Browse(ctx)
	require.NoError(t, err)
	require.Len(t, relays, 2)

	assert.Equal(t, "ws://192.168.1.10:8080/ws", relays[0].URL())
	assert.Equal(t, "desk.local.", relays[0].HostName)
	assert.Equal(t, "ws://[fe80::1]:9000/relay", relays[1].URL())
}

func TestResolverFirst(t *testing.T) {
	r, err := NewResolver(&fakeBrowser{entries: []*zeroconf.ServiceEntry{
		entry("desk", 8080, "", "path=/ws"),
	}})
	require.NoError(t, err)

	relay, err := r.First(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://desk.local:8080/ws", relay.URL())

	empty, err := NewResolver(&fakeBrowser{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = empty.First(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	broken, err := NewResolver(&fakeBrowser{err: errors.New("socket")})
	require.NoError(t, err)
	_, err = broken.First(context.Background())
	assert.Error(t, err)
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"path=/ws", "version=1", "flag", "=orphan", "eq=a=b"})
	assert.Equal(t, map[string]string{"path": "/ws", "version": "1", "flag": "", "eq": "a=b"}, got)
}
