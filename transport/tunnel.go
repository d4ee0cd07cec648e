// Package transport carries the pairing protocol over a WebSocket connection
// to a relay. Every frame is a JSON envelope tagged by "type"; Tunnel
// demultiplexes incoming envelopes to per-type handlers and serializes
// outgoing ones.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// DefaultConnectTimeout bounds Dial when the context has no deadline.
	DefaultConnectTimeout = 15 * time.Second
	// MaxFrameSize is the largest frame accepted from the relay.
	MaxFrameSize = 256 * 1024
)

// ErrClosed is returned by Send after Close or a disconnect.
var ErrClosed = errors.New("tunnel closed")

// TransportError wraps a WebSocket failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConnectError is returned by Dial when the relay answers the connect
// envelope with success=false.
type ConnectError struct {
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("relay refused connection: %s", e.Reason)
}

// HandlerFunc handles one decoded envelope. Handlers run on the tunnel's
// read goroutine, one at a time, in arrival order.
type HandlerFunc func(Message)

// Config configures Dial.
type Config struct {
	// URL of the relay WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Hello is the connect envelope: UserClientConnect for a listener,
	// RemoteClientConnect for a connecting peer.
	Hello Message
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request.
	Header http.Header
}

// Tunnel is an established relay connection.
type Tunnel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu           sync.RWMutex
	handlers     map[Type]HandlerFunc
	onDisconnect func(error)
	started      bool
	closed       bool

	done     chan struct{}
	clientID string
}

// Dial connects to the relay, sends cfg.Hello and waits for a successful
// connect-response. Frames other than connect-response received meanwhile
// are dropped.
func Dial(ctx context.Context, cfg Config) (*Tunnel, error) {
	if cfg.Hello == nil {
		return nil, errors.New("connect envelope is required")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      cfg.URL,
		"hello":    cfg.Hello.Type(),
	}).Info("Connecting to relay")

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(MaxFrameSize)

	t := &Tunnel{
		conn:     conn,
		handlers: make(map[Type]HandlerFunc),
		done:     make(chan struct{}),
	}

	// Unblock the read below if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := t.Send(cfg.Hello); err != nil {
		conn.Close()
		return nil, err
	}

	for {
		frame, err := readFrame(conn)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, &TransportError{Op: "connect", Err: ctx.Err()}
			}
			return nil, &TransportError{Op: "connect", Err: err}
		}
		if frame == nil {
			continue
		}

		msg, err := Decode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dial",
				"error":    err.Error(),
			}).Warn("Dropping frame while waiting for connect-response")
			continue
		}

		resp, ok := msg.(ConnectResponse)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Dial",
				"type":     msg.Type(),
			}).Debug("Ignoring envelope before connect-response")
			continue
		}
		if !resp.Success {
			conn.Close()
			return nil, &ConnectError{Reason: resp.Error}
		}

		if !stop() {
			// ctx fired after the response arrived; clear the deadline.
			conn.SetReadDeadline(time.Time{})
		}
		t.clientID = resp.ClientID

		logrus.WithFields(logrus.Fields{
			"function":  "Dial",
			"url":       cfg.URL,
			"client_id": resp.ClientID,
		}).Info("Connected to relay")
		return t, nil
	}
}

// readFrame reads one data frame and normalizes it to UTF-8 text. Frames
// that are not valid UTF-8 are reported as nil with no error.
func readFrame(conn *websocket.Conn) ([]byte, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return nil, nil
	}
	if !utf8.Valid(data) {
		logrus.WithFields(logrus.Fields{
			"function": "readFrame",
			"size":     len(data),
		}).Warn("Dropping frame that is not valid UTF-8")
		return nil, nil
	}
	return data, nil
}

// ClientID returns the id the relay assigned in connect-response, if any.
func (t *Tunnel) ClientID() string {
	return t.clientID
}

// Handle registers fn for envelopes of type typ, replacing any previous
// handler. Envelopes without a handler are dropped.
func (t *Tunnel) Handle(typ Type, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = fn
}

// OnDisconnect registers fn to run once when the read loop ends. err is nil
// after a local Close.
func (t *Tunnel) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Start launches the read loop. Register handlers first; frames are
// buffered by the connection until then.
func (t *Tunnel) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true
	go t.readLoop()
}

// Done is closed when the read loop has exited and the disconnect callback
// has returned.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

func (t *Tunnel) readLoop() {
	var loopErr error
	defer func() {
		t.mu.Lock()
		wasClosed := t.closed
		t.closed = true
		fn := t.onDisconnect
		t.mu.Unlock()

		t.conn.Close()

		if wasClosed {
			loopErr = nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "readLoop",
			"local":    wasClosed,
		}).Info("Tunnel disconnected")
		if fn != nil {
			fn(loopErr)
		}
		close(t.done)
	}()

	for {
		frame, err := readFrame(t.conn)
		if err != nil {
			loopErr = &TransportError{Op: "read", Err: err}
			return
		}
		if frame == nil {
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Tunnel) dispatch(frame []byte) {
	msg, err := Decode(frame)
	if errors.Is(err, ErrUnknownType) {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err.Error(),
		}).Debug("Ignoring unknown envelope")
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err.Error(),
		}).Warn("Dropping unparseable frame")
		return
	}

	t.mu.RLock()
	fn := t.handlers[msg.Type()]
	t.mu.RUnlock()

	if fn == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     msg.Type(),
		}).Debug("No handler for envelope")
		return
	}
	fn(msg)
}

// Send encodes m and writes it as one text frame.
func (t *Tunnel) Send(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return &TransportError{Op: "encode", Err: err}
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return &TransportError{Op: "send", Err: ErrClosed}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"type":     m.Type(),
		"size":     len(frame),
	}).Debug("Sent envelope")
	return nil
}

// Close sends a close frame and tears the connection down. It is safe to
// call at any time and more than once, and always returns nil.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	fn := t.onDisconnect
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	t.writeMu.Unlock()

	_ = t.conn.Close()
	if !started {
		// No read loop will report the disconnect.
		if fn != nil {
			fn(nil)
		}
		close(t.done)
	}
	return nil
}
