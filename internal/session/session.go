package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wweb-gateway/internal/auth"
	"wweb-gateway/internal/client"
)

const (
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
)

// Event types the manager adds on top of the client's own.
const (
	EventState              = "state"
	EventRemoteSaved        = "remote_session_saved"
	EventCredentialsRemoved = "credentials_removed"
)

// Event is one entry of a session's history, as seen by subscribers and
// listeners.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      string    `json:"dataType"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Auth           string    `json:"auth"`
	QRPending      bool      `json:"qrPending"`
	Disconnected   bool      `json:"disconnected"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Failure        string    `json:"failure,omitempty"`
	Events         int       `json:"events"`
}

// Session is one managed messaging connection. Its state only changes
// through client events applied by the manager's event loop and through
// termination.
type Session struct {
	id        string
	spec      auth.Spec
	strategy  auth.Strategy
	createdAt time.Time
	logger    *slog.Logger
	history   *RingBuffer

	mu             sync.RWMutex
	state          State
	qr             string
	client         client.Client
	disconnected   bool
	lastActivityAt time.Time
	failure        string
	changed        chan struct{}
	done           chan struct{}
	// restored closes once bring-up has restored credentials or skipped it.
	restored chan struct{}

	subMu       sync.RWMutex
	subscribers map[string]chan Event
	subsClosed  bool
}

func newSession(id string, spec auth.Spec, strategy auth.Strategy, logger *slog.Logger) *Session {
	now := time.Now().UTC()
	return &Session{
		id:             id,
		spec:           spec,
		strategy:       strategy,
		createdAt:      now,
		logger:         logger.With(slog.String("session", id)),
		history:        NewRingBuffer(defaultRingBufCapacity),
		state:          StateCreating,
		lastActivityAt: now,
		changed:        make(chan struct{}),
		done:           make(chan struct{}),
		restored:       make(chan struct{}),
		subscribers:    make(map[string]chan Event),
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Auth() auth.Spec { return s.spec }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// QR returns the pending QR payload.
func (s *Session) QR() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr, s.qr != ""
}

// Client returns the attached client, or nil.
func (s *Session) Client() client.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

// Changed returns a channel closed on the session's next change.
func (s *Session) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Done returns a channel closed once the session terminates or fails.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Lookup resolves "client", "client.page" and "qr" for readiness waits.
func (s *Session) Lookup(path string) (any, bool) {
	switch path {
	case "client":
		if c := s.Client(); c != nil {
			return c, true
		}
	case "client.page":
		if c := s.Client(); c != nil {
			if page, ok := c.Page(); ok {
				return page, true
			}
		}
	case "qr":
		if qr, ok := s.QR(); ok {
			return qr, true
		}
	}
	return nil, false
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:             s.id,
		State:          s.state,
		Auth:           s.spec.String(),
		QRPending:      s.qr != "",
		Disconnected:   s.disconnected,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		Failure:        s.failure,
		Events:         s.history.Len(),
	}
}

// broadcastLocked wakes everyone waiting on Changed.
func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) transitionLocked(to State) bool {
	from := s.state
	if !canTransition(from, to) {
		s.logger.Warn("dropping invalid state transition",
			slog.String("from", from.String()), slog.String("to", to.String()))
		return false
	}
	s.state = to
	if to != StateQRPending {
		s.qr = ""
	}
	if to.Terminal() {
		close(s.done)
	}
	return true
}

// attach hands c to the session. It fails once the session has ended.
func (s *Session) attach(c client.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.client = c
	s.broadcastLocked()
	return true
}

// detach takes the client away from the session for release.
func (s *Session) detach() client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.client
	s.client = nil
	return c
}

// end moves the session to a terminal state. It reports false when the
// session had already ended.
func (s *Session) end(to State, failure string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.transitionLocked(to)
	if failure != "" {
		s.failure = failure
	}
	s.broadcastLocked()
	return true
}

// apply folds a client event into the session and returns the state change
// it caused, if any.
func (s *Session) apply(ev client.Event) (from, to State, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.state
	s.lastActivityAt = ev.Timestamp
	if s.lastActivityAt.IsZero() {
		s.lastActivityAt = time.Now().UTC()
	}

	switch ev.Type {
	case client.EventQR:
		if s.transitionLocked(StateQRPending) {
			s.qr = ev.Data
		}
	case client.EventAuthenticated:
		s.transitionLocked(StateAuthenticated)
	case client.EventReady:
		s.disconnected = false
		s.transitionLocked(StateReady)
	case client.EventAuthFailure:
		if s.transitionLocked(StateFailed) {
			s.failure = "authentication failure: " + ev.Data
		}
	case client.EventDisconnected:
		s.disconnected = true
	case client.EventChangeState:
		s.disconnected = client.ConnState(ev.Data) != client.StateConnected
	}

	s.broadcastLocked()
	return from, s.state, from != s.state
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	s.lastActivityAt = time.Now().UTC()
	s.broadcastLocked()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

// lost reports whether the client is gone or has reported a disconnect.
func (s *Session) lost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client == nil || s.disconnected
}

// record appends ev to the history and fans it out to subscribers.
func (s *Session) record(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	s.history.Write(ev)
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// subscribe returns a live channel plus the history buffered so far.
func (s *Session) subscribe() (string, <-chan Event, []Event, bool) {
	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		return "", nil, nil, false
	}
	// History is read under the subscriber lock: every event is either in
	// it or delivered on ch, never both.
	history := s.history.ReadAll()
	s.subscribers[subID] = ch
	return subID, ch, history, true
}

func (s *Session) unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[subID]; ok {
		close(ch)
		delete(s.subscribers, subID)
	}
}

// closeSubscribers ends every live feed. Later subscriptions fail.
func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for subID, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, subID)
	}
	s.subsClosed = true
}
