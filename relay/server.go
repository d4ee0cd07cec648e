// Package relay implements the WebSocket rendezvous server that pairs a
// listener with connecting peers. The relay forwards opaque Noise messages
// and ciphertexts; it never sees a PSK, a static secret or a plaintext
// credential.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/pairtunnel/transport"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Frames queued per peer before it is considered stalled
	sendBuffer = 64

	// DefaultPath is where the WebSocket endpoint is mounted.
	DefaultPath = "/ws"

	// unknownClient names a peer that connected without a client name.
	unknownClient = "unknown"
)

// Config configures a Server.
type Config struct {
	// Path of the WebSocket endpoint.
	Path string
	// ConnectionRate and ConnectionBurst limit upgrades per remote host.
	ConnectionRate  rate.Limit
	ConnectionBurst int
	// MessageRate and MessageBurst limit frames per connection. Excess
	// frames are dropped.
	MessageRate  rate.Limit
	MessageBurst int
}

// DefaultConfig returns the settings used by the relay command.
func DefaultConfig() Config {
	return Config{
		Path:            DefaultPath,
		ConnectionRate:  rate.Every(time.Second),
		ConnectionBurst: 20,
		MessageRate:     50,
		MessageBurst:    100,
	}
}

type role int

const (
	roleUnknown role = iota
	roleListener
	roleRemote
)

// peer is one WebSocket connection. Every field except ws is guarded by
// Server.mu.
type peer struct {
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	addr    string

	gone bool
	id   string
	role role
	// username is the listener's own name, or for a remote the listener it
	// wants to reach.
	username   string
	clientName string
	sessionID  string
	approved   bool
	// active is, on a listener, the client id of the last approved remote.
	active string
}

// Stats is a snapshot of the relay registry.
type Stats struct {
	Listeners int `json:"listeners"`
	Remotes   int `json:"remotes"`
}

// Server routes pairing envelopes between listeners and remote peers.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *Limiter

	mu        sync.Mutex
	closed    bool
	peers     map[*peer]struct{}
	listeners map[string]*peer
	remotes   map[string]*peer
	sessions  map[string]string
	// known records, per listener, client names approved before so a
	// reconnect is announced as cached-auth.
	known map[string]map[string]bool
}

// New creates a relay. Zero Config fields take DefaultConfig values.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MessageRate == 0 {
		cfg.MessageRate = def.MessageRate
		cfg.MessageBurst = def.MessageBurst
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		limiter:   NewLimiter(cfg.ConnectionRate, cfg.ConnectionBurst),
		peers:     make(map[*peer]struct{}),
		listeners: make(map[string]*peer),
		remotes:   make(map[string]*peer),
		sessions:  make(map[string]string),
		known:     make(map[string]map[string]bool),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint and
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})
	return mux
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     ln.Addr().String(),
		"path":     s.cfg.Path,
	}).Info("Relay listening")

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		<-errc
		return err
	case err := <-errc:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close disconnects every peer. Connections upgraded afterwards are refused.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for p := range s.peers {
		s.dropLocked(p)
	}
}

// Stats returns the number of registered listeners and remotes.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Listeners: len(s.listeners), Remotes: len(s.remotes)}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.RemoteAddr) {
		logrus.WithFields(logrus.Fields{
			"function": "ServeWS",
			"remote":   r.RemoteAddr,
		}).Warn("Connection rate exceeded")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeWS",
			"error":    err.Error(),
		}).Error("Could not upgrade connection")
		return
	}

	p := &peer{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(s.cfg.MessageRate, s.cfg.MessageBurst),
		addr:    r.RemoteAddr,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ServeWS",
		"remote":   r.RemoteAddr,
	}).Debug("Connection upgraded")

	go s.writePump(p)
	s.readPump(p)
}

func (s *Server) readPump(p *peer) {
	defer func() {
		s.unregister(p)
		p.ws.Close()
	}()

	p.ws.SetReadLimit(transport.MaxFrameSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"remote":   p.addr,
					"error":    err.Error(),
				}).Warn("Connection closed unexpectedly")
			}
			return
		}
		if !p.limiter.Allow() {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"remote":   p.addr,
			}).Warn("Message rate exceeded, dropping frame")
			continue
		}

		msg, err := transport.Decode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"remote":   p.addr,
				"error":    err.Error(),
			}).Debug("Dropping frame")
			continue
		}
		s.route(p, msg)
	}
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) route(p *peer, msg transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.gone {
		return
	}

	switch m := msg.(type) {
	case transport.UserClientConnect:
		s.registerListenerLocked(p, m)
	case transport.RemoteClientConnect:
		s.registerRemoteLocked(p, m)
	case transport.ConnectionApproval:
		s.approveLocked(p, m)
	case transport.NoiseMessage:
		if m.Step == 2 {
			s.toRemoteLocked(p, m.ClientID, m)
		} else {
			m.ClientID = p.id
			s.toListenerLocked(p, m)
		}
	case transport.CredentialRequest:
		m.ClientID = p.id
		s.toListenerLocked(p, m)
	case transport.CredentialResponse:
		s.toRemoteLocked(p, m.ClientID, m)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"type":     msg.Type(),
			"remote":   p.addr,
		}).Debug("Ignoring envelope")
	}
}

func (s *Server) registerListenerLocked(p *peer, m transport.UserClientConnect) {
	if p.role != roleUnknown {
		return
	}
	switch {
	case m.Username == "":
		s.enqueueLocked(p, transport.ConnectResponse{Success: false, Error: "username is required"})
		return
	case s.listeners[m.Username] != nil:
		s.enqueueLocked(p, transport.ConnectResponse{Success: false, Error: "username already registered"})
		return
	}

	p.role = roleListener
	p.id = xid.New().String()
	p.username = m.Username
	s.listeners[m.Username] = p

	logrus.WithFields(logrus.Fields{
		"function":  "registerListener",
		"username":  m.Username,
		"client_id": p.id,
	}).Info("Listener registered")

	s.enqueueLocked(p, transport.ConnectResponse{Success: true, ClientID: p.id})
}

func (s *Server) registerRemoteLocked(p *peer, m transport.RemoteClientConnect) {
	if p.role != roleUnknown {
		return
	}
	lst := s.listeners[m.Username]
	if lst == nil {
		s.enqueueLocked(p, transport.ConnectResponse{Success: false, Error: "listener not found"})
		return
	}

	p.role = roleRemote
	p.id = xid.New().String()
	p.username = m.Username
	p.clientName = m.ClientName
	if p.clientName == "" {
		p.clientName = unknownClient
	}
	p.sessionID = m.SessionID
	if _, taken := s.sessions[p.sessionID]; p.sessionID == "" || taken {
		p.sessionID = p.id
	}
	s.remotes[p.id] = p
	s.sessions[p.sessionID] = p.id

	logrus.WithFields(logrus.Fields{
		"function":  "registerRemote",
		"listener":  m.Username,
		"client":    p.clientName,
		"client_id": p.id,
	}).Info("Remote client registered")

	s.enqueueLocked(p, transport.ConnectResponse{Success: true, ClientID: p.id})
	s.enqueueLocked(lst, transport.ConnectionRequest{
		ClientID:  p.id,
		Username:  p.clientName,
		SessionID: p.sessionID,
	})
}

func (s *Server) approveLocked(lst *peer, m transport.ConnectionApproval) {
	if lst.role != roleListener {
		return
	}
	r := s.remotes[s.sessions[m.SessionID]]
	if r == nil || r.username != lst.username {
		logrus.WithFields(logrus.Fields{
			"function":   "approve",
			"session_id": m.SessionID,
		}).Debug("Approval for unknown session")
		return
	}

	r.approved = m.Approved
	if m.Approved {
		lst.active = r.id
		names := s.known[lst.username]
		if names == nil {
			names = make(map[string]bool)
			s.known[lst.username] = names
		}
		if names[r.clientName] {
			s.enqueueLocked(lst, transport.CachedAuth{Username: r.clientName, ClientID: r.id})
		} else {
			names[r.clientName] = true
			s.enqueueLocked(lst, transport.FirstTimeAuth{Username: r.clientName, ClientID: r.id})
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "approve",
		"listener":  lst.username,
		"client_id": r.id,
		"approved":  m.Approved,
	}).Info("Forwarding connection approval")

	s.enqueueLocked(r, m)
	if !m.Approved {
		// Queued frames are flushed before the close.
		s.dropLocked(r)
	}
}

// toListenerLocked forwards from an approved remote to its listener.
func (s *Server) toListenerLocked(r *peer, m transport.Message) {
	if r.role != roleRemote || !r.approved {
		logrus.WithFields(logrus.Fields{
			"function": "toListener",
			"type":     m.Type(),
			"remote":   r.addr,
		}).Warn("Dropping envelope from unapproved client")
		return
	}
	lst := s.listeners[r.username]
	if lst == nil {
		return
	}
	s.enqueueLocked(lst, m)
}

// toRemoteLocked forwards from a listener to clientID, or to the last
// approved remote when clientID is empty.
func (s *Server) toRemoteLocked(lst *peer, clientID string, m transport.Message) {
	if lst.role != roleListener {
		return
	}
	if clientID == "" {
		clientID = lst.active
	}
	r := s.remotes[clientID]
	if r == nil || r.username != lst.username || !r.approved {
		logrus.WithFields(logrus.Fields{
			"function":  "toRemote",
			"type":      m.Type(),
			"client_id": clientID,
		}).Debug("No route to client")
		return
	}
	s.enqueueLocked(r, m)
}

func (s *Server) enqueueLocked(p *peer, m transport.Message) {
	if p.gone {
		return
	}
	frame, err := transport.Encode(m)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"type":     m.Type(),
			"error":    err.Error(),
		}).Error("Failed to encode envelope")
		return
	}
	select {
	case p.send <- frame:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"remote":   p.addr,
		}).Warn("Peer is not keeping up, disconnecting")
		s.dropLocked(p)
	}
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(p)
}

// dropLocked removes p from the registry and closes its send queue, which
// makes writePump close the connection. Dropping a listener drops its
// remotes.
func (s *Server) dropLocked(p *peer) {
	if p.gone {
		return
	}
	p.gone = true
	close(p.send)
	delete(s.peers, p)

	switch p.role {
	case roleListener:
		if s.listeners[p.username] == p {
			delete(s.listeners, p.username)
		}
		for _, r := range s.remotes {
			if r.username == p.username {
				s.dropLocked(r)
			}
		}
		logrus.WithFields(logrus.Fields{
			"function": "drop",
			"username": p.username,
		}).Info("Listener disconnected")
	case roleRemote:
		delete(s.remotes, p.id)
		if s.sessions[p.sessionID] == p.id {
			delete(s.sessions, p.sessionID)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "drop",
			"client_id": p.id,
		}).Info("Remote client disconnected")
	}
}
