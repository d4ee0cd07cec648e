package pairtunnel

import (
	"sync"
)

// EventType names an orchestrator event.
type EventType string

const (
	EventListening            EventType = "listening"
	EventPairingCodeGenerated EventType = "pairing_code_generated"
	EventConnectionRequest    EventType = "connection-request"
	EventConnectionApproved   EventType = "connection-approved"
	EventConnectionDenied     EventType = "connection-denied"
	EventAuthComplete         EventType = "auth-complete"
	EventHandshakeStart       EventType = "handshake-start"
	EventHandshakeProgress    EventType = "handshake-progress"
	EventHandshakeComplete    EventType = "handshake-complete"
	EventCredentialRequest    EventType = "credential-request"
	EventCredentialApproved   EventType = "credential-approved"
	EventCredentialDenied     EventType = "credential-denied"
	EventError                EventType = "error"
	EventDisconnected         EventType = "disconnected"
)

// Event is delivered to subscribers in emission order. Use a type switch on
// the concrete *XxxEvent types.
type Event interface {
	Type() EventType
}

// ListeningEvent: the listener is registered with the relay.
type ListeningEvent struct {
	Username string
}

// PairingCodeGeneratedEvent carries the code to show to the user.
type PairingCodeGeneratedEvent struct {
	PairingCode string
	Password    string
}

// ConnectionRequestEvent asks the host to approve a peer. Respond must be
// called exactly once.
type ConnectionRequestEvent struct {
	ClientID       string
	RemoteUsername string
	SessionID      string

	listener *Listener
}

// Respond sends the approval decision. A second call, or a call after the
// listener closed, returns ErrAlreadyResponded.
func (e *ConnectionRequestEvent) Respond(approved bool) error {
	return e.listener.respondConnection(e.SessionID, approved)
}

// ConnectionApprovedEvent follows an approving Respond.
type ConnectionApprovedEvent struct {
	ClientID       string
	RemoteUsername string
}

// ConnectionDeniedEvent follows a denying Respond.
type ConnectionDeniedEvent struct {
	ClientID       string
	RemoteUsername string
}

// AuthPhase tells whether the relay considers the peer known.
type AuthPhase string

const (
	AuthPhaseCached    AuthPhase = "cached"
	AuthPhaseFirstTime AuthPhase = "first-time"
)

// AuthCompleteEvent reports cached-auth or first-time-auth from the relay.
type AuthCompleteEvent struct {
	RemoteUsername string
	Phase          AuthPhase
}

// HandshakeStartEvent: noise-message-1 arrived.
type HandshakeStartEvent struct {
	RemoteUsername string
}

// HandshakeProgressEvent: an intermediate handshake step finished.
type HandshakeProgressEvent struct {
	RemoteUsername string
	Message        string
}

// HandshakeCompleteEvent: transport keys are established.
type HandshakeCompleteEvent struct {
	RemoteUsername string
	RemoteStatic   [32]byte
}

// CredentialRequestEvent asks the host to release a credential. Respond
// must be called exactly once.
type CredentialRequestEvent struct {
	Domain         string
	RemoteUsername string
	RequestID      string

	listener *Listener
}

// Respond sends exactly one encrypted credential-response. The credential
// is released only when approved is true and cred is non-nil; anything else
// is a denial.
func (e *CredentialRequestEvent) Respond(approved bool, cred *Credential) error {
	return e.listener.respondCredential(e.RequestID, approved, cred)
}

// CredentialApprovedEvent follows a released credential.
type CredentialApprovedEvent struct {
	Domain         string
	RemoteUsername string
}

// CredentialDeniedEvent follows a denied credential request.
type CredentialDeniedEvent struct {
	Domain         string
	RemoteUsername string
}

// ErrorEvent reports a failure. Context names the operation, e.g. "listen",
// "handshake" or "credential-request".
type ErrorEvent struct {
	Err     error
	Context string
}

// DisconnectedEvent: the relay connection is gone and any session destroyed.
type DisconnectedEvent struct{}

func (*ListeningEvent) Type() EventType            { return EventListening }
func (*PairingCodeGeneratedEvent) Type() EventType { return EventPairingCodeGenerated }
func (*ConnectionRequestEvent) Type() EventType    { return EventConnectionRequest }
func (*ConnectionApprovedEvent) Type() EventType   { return EventConnectionApproved }
func (*ConnectionDeniedEvent) Type() EventType     { return EventConnectionDenied }
func (*AuthCompleteEvent) Type() EventType         { return EventAuthComplete }
func (*HandshakeStartEvent) Type() EventType       { return EventHandshakeStart }
func (*HandshakeProgressEvent) Type() EventType    { return EventHandshakeProgress }
func (*HandshakeCompleteEvent) Type() EventType    { return EventHandshakeComplete }
func (*CredentialRequestEvent) Type() EventType    { return EventCredentialRequest }
func (*CredentialApprovedEvent) Type() EventType   { return EventCredentialApproved }
func (*CredentialDeniedEvent) Type() EventType     { return EventCredentialDenied }
func (*ErrorEvent) Type() EventType                { return EventError }
func (*DisconnectedEvent) Type() EventType         { return EventDisconnected }

// subscriber owns an unbounded FIFO so publishing never blocks on a slow
// consumer.
type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	finished bool

	wake chan struct{}
	stop chan struct{}
	out  chan Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Event),
	}
	go s.run()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish delivers what is queued, then closes out.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.stop:
			return
		}
	}
}

// eventBus fans events out to subscribers. Late subscribers only see events
// published after they subscribed.
type eventBus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*subscriber)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	s := newSubscriber()
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.stop)
		})
	}
	return s.out, cancel
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// close flushes every subscriber and closes its channel.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.finish()
		delete(b.subs, id)
	}
}
