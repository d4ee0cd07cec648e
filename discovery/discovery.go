// Package discovery advertises and finds pairing relays on the local network
// with DNS-SD over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// ServiceType is the DNS-SD service of a pairing relay.
	ServiceType = "_pairtunnel._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
	DefaultBrowseTimeout = 3 * time.Second

	txtVersion = "1"
)

var (
	// ErrNotFound is returned when no relay answered before the timeout.
	ErrNotFound = errors.New("no relay found")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("advertiser already started")
)

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// ServerFactory registers a service. Tests substitute a fake.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

// Browser browses for service instances. Implementations close entries when
// ctx ends.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Advertiser publishes one relay instance.
type Advertiser struct {
	factory ServerFactory

	mu     sync.Mutex
	server Server
}

// NewAdvertiser returns an Advertiser. A nil factory uses zeroconf.
func NewAdvertiser(factory ServerFactory) *Advertiser {
	if factory == nil {
		factory = zeroconfFactory{}
	}
	return &Advertiser{factory: factory}
}

// Start advertises instance on port with the WebSocket path in TXT.
func (a *Advertiser) Start(instance string, port int, path string) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	if instance == "" {
		return errors.New("instance name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return ErrAlreadyStarted
	}

	txt := []string{"path=" + path, "version=" + txtVersion}
	server, err := a.factory.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}
	a.server = server

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"instance": instance,
		"port":     port,
		"path":     path,
	}).Info("Advertising relay")
	return nil
}

// Stop withdraws the advertisement. It is safe to call when not started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Relay is a discovered relay.
type Relay struct {
	Instance string
	HostName string
	Port     int
	Path     string
	Addrs    []net.IP
}

// URL returns the WebSocket URL of the relay. An IPv4 address is preferred,
// then any address, then the host name.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addrs) > 0 {
		host = r.Addrs[0].String()
	}
	for _, ip := range r.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + path
}

// ParseTXT splits key=value TXT strings. Keys without '=' map to "".
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

type zeroconfBrowser struct {
	resolver *zeroconf.Resolver
}

func (z *zeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// Resolver finds relays.
type Resolver struct {
	browser Browser
	timeout time.Duration
}

// NewResolver returns a Resolver. A nil browser uses zeroconf on all
// interfaces.
func NewResolver(browser Browser) (*Resolver, error) {
	if browser == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browser = &zeroconfBrowser{resolver: r}
	}
	return &Resolver{browser: browser, timeout: DefaultBrowseTimeout}, nil
}

// Browse collects relays until ctx ends or DefaultBrowseTimeout passes.
// Instances are deduplicated by name.
func (r *Resolver) Browse(ctx context.Context) ([]Relay, error) {
	return r.collect(ctx, false)
}

// First returns the first relay that answers.
func (r *Resolver) First(ctx context.Context) (*Relay, error) {
	relays, err := r.collect(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, ErrNotFound
	}
	return &relays[0], nil
}

func (r *Resolver) collect(ctx context.Context, first bool) ([]Relay, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.browser.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	var relays []Relay
	seen := make(map[string]bool)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return relays, nil
			}
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			relays = append(relays, toRelay(entry))

			logrus.WithFields(logrus.Fields{
				"function": "Browse",
				"instance": entry.Instance,
				"port":     entry.Port,
			}).Debug("Discovered relay")

			if first {
				return relays, nil
			}
		case <-ctx.Done():
			return relays, nil
		}
	}
}

func toRelay(entry *zeroconf.ServiceEntry) Relay {
	var addrs []net.IP
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return Relay{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Path:     ParseTXT(entry.Text)["path"],
		Addrs:    addrs,
	}
}
