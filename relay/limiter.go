package relay

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per remote host.
type Limiter struct {
	m sync.Map

	interval rate.Limit
	burst    int
}

// NewLimiter returns a limiter allowing burst connections, refilled at
// interval. A zero interval disables limiting.
func NewLimiter(interval rate.Limit, burst int) *Limiter {
	return &Limiter{
		interval: interval,
		burst:    burst,
	}
}

// Allow reports whether addr (host:port or bare host) may connect now.
func (l *Limiter) Allow(addr string) bool {
	if l == nil || l.interval == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	v, ok := l.m.Load(host)
	if !ok {
		v, _ = l.m.LoadOrStore(host, rate.NewLimiter(l.interval, l.burst))
	}
	return v.(*rate.Limiter).Allow()
}
