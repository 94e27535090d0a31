package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"wweb-gateway/internal/auth"
	"wweb-gateway/internal/client"
	"wweb-gateway/internal/readiness"
)

// Status messages observable by callers of Validate.
const (
	MessageNotFound     = "session_not_found"
	MessageConnected    = "session_connected"
	MessageNotConnected = "session_not_connected"
	MessageInitiated    = "Session initiated successfully"
	messageExistsPrefix = "Session already exists for: "
)

// Normalized states reported by Validate.
const (
	StatusNotFound      = "session_not_found"
	StatusCreating      = "creating"
	StatusQRPending     = "qr_pending"
	StatusAuthenticated = "authenticated"
	StatusReady         = "ready"
	StatusDisconnected  = "disconnected"
	StatusFailed        = "failed"
)

const (
	defaultFlushConcurrency = 4
	defaultStatusTimeout    = 5 * time.Second
	defaultLogoutTimeout    = 10 * time.Second
	defaultAfterReadyTime   = time.Minute
)

var sessionIDPattern = regexp.MustCompile(`^[\w-]+$`)

// Options configures a Manager.
type Options struct {
	// SessionsPath holds local credential directories, scanned by Recover.
	SessionsPath string
	// MaxSessions caps registered sessions. Zero means unlimited.
	MaxSessions int
	// FlushConcurrency bounds parallel cleanups during Flush.
	FlushConcurrency int
	// StatusTimeout bounds a single connectivity probe.
	StatusTimeout time.Duration
	// LogoutTimeout bounds the client logout during Delete.
	LogoutTimeout time.Duration
	// Readiness configures WaitForPage.
	Readiness readiness.Options
	// NewClient builds the automation client of a session.
	NewClient client.Factory
	// Auth builds the auth strategy of a session.
	Auth *auth.Builder

	Headless  bool
	UserAgent string
	Logger    *slog.Logger
}

// SetupResult is the outcome of Setup.
type SetupResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Session *Session `json:"-"`
}

// Status is the normalized result of Validate.
type Status struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// NotFound reports whether the status describes an absent session.
func (s Status) NotFound() bool { return s.Message == MessageNotFound }

// FlushReport summarizes a Flush.
type FlushReport struct {
	Selected []string `json:"selected"`
	Removed  []string `json:"removed"`
	// Err joins the per-session cleanup failures.
	Err error `json:"-"`
}

// Manager creates, tracks, authenticates and reaps sessions.
type Manager struct {
	opts     Options
	registry *Registry
	logger   *slog.Logger

	listenersMu sync.RWMutex
	listeners   []func(Event)

	// ctx scopes client bring-up; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = defaultFlushConcurrency
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = defaultStatusTimeout
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = defaultLogoutTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth = &auth.Builder{SessionsPath: opts.SessionsPath, Logger: opts.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		registry: NewRegistry(),
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Setup registers a session for id and starts its client in the background.
// A live session already registered under id is reported, never rebuilt.
func (m *Manager) Setup(_ context.Context, id string, cfg auth.Config) (SetupResult, error) {
	if !sessionIDPattern.MatchString(id) {
		return SetupResult{Message: ErrInvalidSessionID.Error()}, ErrInvalidSessionID
	}
	spec, err := auth.Parse(cfg)
	if err != nil {
		return SetupResult{Message: err.Error()}, err
	}

	if existing, ok := m.registry.Get(id); ok && !existing.State().Terminal() {
		return existsResult(existing), nil
	}

	strategy, err := m.opts.Auth.Build(spec, id)
	if err != nil {
		return SetupResult{Message: err.Error()}, err
	}
	s := newSession(id, spec, strategy, m.logger)

	for {
		if existing, ok := m.registry.Get(id); ok {
			if !existing.State().Terminal() {
				strategy.Close()
				return existsResult(existing), nil
			}
			m.registry.RemoveIf(id, existing)
		}

		err := m.registry.PutWithin(id, s, m.opts.MaxSessions)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyExists) {
			strategy.Close()
			return SetupResult{Message: err.Error()}, err
		}
		// Lost the race against a concurrent setup; look again.
	}

	m.logger.Info("session created", slog.String("session", id), slog.String("auth", spec.String()))
	m.wg.Add(1)
	go m.bringUp(s)

	return SetupResult{Success: true, Message: MessageInitiated, Session: s}, nil
}

func existsResult(s *Session) SetupResult {
	return SetupResult{Success: true, Message: messageExistsPrefix + s.ID(), Session: s}
}

// bringUp restores credentials, builds and starts the client, then runs the
// session's event loop until the client is gone.
func (m *Manager) bringUp(s *Session) {
	defer m.wg.Done()

	restored, err := m.restore(s)
	if err != nil {
		m.fail(s, fmt.Errorf("restore credentials: %w", err))
		return
	}
	if !restored {
		return
	}

	c, err := m.opts.NewClient(client.Options{
		SessionID: s.id,
		DataDir:   s.strategy.DataDir(),
		AuthKind:  string(s.spec.Kind()),
		Headless:  m.opts.Headless,
		UserAgent: m.opts.UserAgent,
	})
	if err != nil {
		m.fail(s, fmt.Errorf("create client: %w", err))
		return
	}
	if !s.attach(c) {
		// Terminated while credentials were restored.
		c.Destroy()
		return
	}
	if err := c.Initialize(m.ctx); err != nil {
		m.fail(s, fmt.Errorf("initialize client: %w", err))
		return
	}

	m.runEvents(s, c)
}

// restore brings back s's credentials unless s already ended. terminate
// waits for it, so credentials it removes are not recreated afterwards.
func (m *Manager) restore(s *Session) (bool, error) {
	defer close(s.restored)
	if s.State().Terminal() {
		return false, nil
	}
	return true, s.strategy.Restore(m.ctx)
}

// runEvents is the session's state machine: it consumes client events in
// order until the client's event stream closes.
func (m *Manager) runEvents(s *Session, c client.Client) {
	for ev := range c.Events() {
		from, to, changed := s.apply(ev)
		m.publish(s, Event{Type: string(ev.Type), Data: ev.Data, Timestamp: ev.Timestamp})

		if !changed {
			continue
		}
		s.logger.Info("session state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		m.publish(s, Event{Type: EventState, Data: to.String()})

		switch to {
		case StateReady:
			m.wg.Add(1)
			go m.afterReady(s)
		case StateFailed:
			m.release(s)
			m.registry.RemoveIf(s.id, s)
		}
	}

	if s.State().Terminal() {
		return
	}
	if s.State() < StateAuthenticated {
		m.fail(s, ErrClientExited)
		return
	}
	s.logger.Warn("client connection dropped")
	s.markDisconnected()
}

func (m *Manager) afterReady(s *Session) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(m.ctx, defaultAfterReadyTime)
	defer cancel()
	if err := s.strategy.AfterReady(ctx); err != nil {
		s.logger.Warn("persisting credentials failed", slog.Any("error", err))
	}
}

// fail ends a session that could not be brought up and removes it.
func (m *Manager) fail(s *Session, err error) {
	s.logger.Error("session failed", slog.Any("error", err))
	if s.end(StateFailed, err.Error()) {
		m.publish(s, Event{Type: EventState, Data: StateFailed.String()})
	}
	m.release(s)
	m.registry.RemoveIf(s.id, s)
}

// release destroys the client and stops background credential work.
func (m *Manager) release(s *Session) {
	if c := s.detach(); c != nil {
		if err := c.Destroy(); err != nil {
			s.logger.Warn("destroy client failed", slog.Any("error", err))
		}
	}
	if err := s.strategy.Close(); err != nil {
		s.logger.Warn("close auth strategy failed", slog.Any("error", err))
	}
	s.closeSubscribers()
}

// publish records ev on the session and hands it to every listener.
func (m *Manager) publish(s *Session, ev Event) {
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.record(ev)

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// AddListener registers fn to receive every session event. fn must not block.
func (m *Manager) AddListener(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Validate reports the normalized status of id. It never mutates the session.
func (m *Manager) Validate(ctx context.Context, id string) Status {
	s, ok := m.registry.Get(id)
	if !ok {
		return Status{State: StatusNotFound, Message: MessageNotFound}
	}
	return m.status(ctx, s)
}

func (m *Manager) status(ctx context.Context, s *Session) Status {
	switch state := s.State(); state {
	case StateCreating:
		return Status{State: StatusCreating, Message: MessageNotConnected}
	case StateQRPending:
		return Status{State: StatusQRPending, Message: MessageNotConnected}
	case StateFailed:
		return Status{State: StatusFailed, Message: s.Info().Failure}
	case StateTerminated:
		return Status{State: StatusNotFound, Message: MessageNotFound}
	case StateAuthenticated:
		if s.lost() {
			return Status{State: StatusDisconnected, Message: MessageNotConnected}
		}
		return Status{State: StatusAuthenticated, Message: MessageNotConnected}
	case StateReady:
		if !m.connected(ctx, s) {
			return Status{State: StatusDisconnected, Message: MessageNotConnected}
		}
		return Status{Success: true, State: StatusReady, Message: MessageConnected}
	default:
		return Status{State: state.String(), Message: MessageNotConnected}
	}
}

// connected probes the client's own view of its connection.
func (m *Manager) connected(ctx context.Context, s *Session) bool {
	c := s.Client()
	if c == nil || s.lost() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
	defer cancel()
	state, err := c.State(ctx)
	return err == nil && state == client.StateConnected
}

// Delete terminates id. It is a no-op when status reports the session as
// absent or when it is already gone.
func (m *Manager) Delete(ctx context.Context, id string, status Status) error {
	if status.NotFound() {
		return nil
	}
	s, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	return m.terminate(ctx, s, status)
}

// terminate logs s out when status saw it connected, then always releases
// its client and removes exactly s from the registry.
func (m *Manager) terminate(ctx context.Context, s *Session, status Status) error {
	defer m.registry.RemoveIf(s.id, s)
	defer m.release(s)

	c := s.Client()
	if !s.end(StateTerminated, "") {
		return nil
	}
	m.publish(s, Event{Type: EventState, Data: StateTerminated.String()})

	if status.Success && c != nil {
		lctx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
		err := c.Logout(lctx)
		cancel()
		if err != nil {
			s.logger.Warn("client logout failed", slog.Any("error", err))
		}
	}

	select {
	case <-s.restored:
	case <-ctx.Done():
		return fmt.Errorf("remove credentials of %s: %w", s.id, ctx.Err())
	}
	if err := s.strategy.Logout(ctx); err != nil {
		return fmt.Errorf("remove credentials of %s: %w", s.id, err)
	}
	s.logger.Info("session terminated")
	return nil
}

// Flush terminates every registered session, or with onlyInactive only those
// whose client connection has dropped. Sessions registered after the flush
// starts are left alone.
func (m *Manager) Flush(ctx context.Context, onlyInactive bool) (FlushReport, error) {
	if err := ctx.Err(); err != nil {
		return FlushReport{}, fmt.Errorf("enumerate sessions: %w", err)
	}
	snapshot := m.registry.Snapshot()

	var report FlushReport
	selected := make([]*Session, 0, len(snapshot))
	for _, s := range snapshot {
		if onlyInactive && !m.inactive(ctx, s) {
			continue
		}
		selected = append(selected, s)
		report.Selected = append(report.Selected, s.id)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
		sem  = make(chan struct{}, m.opts.FlushConcurrency)
	)
	for _, s := range selected {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *Session) {
			defer wg.Done()
			defer func() { <-sem }()

			err := m.terminate(ctx, s, m.status(ctx, s))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("flush cleanup failed", slog.Any("error", err))
				errs = append(errs, err)
			}
			report.Removed = append(report.Removed, s.id)
		}(s)
	}
	wg.Wait()

	report.Err = errors.Join(errs...)
	m.logger.Info("flush completed",
		slog.Bool("only_inactive", onlyInactive),
		slog.Int("selected", len(report.Selected)),
		slog.Int("failed", len(errs)))
	return report, nil
}

// inactive reports whether s lost its automation connection. Sessions still
// waiting for a QR scan are not inactive.
func (m *Manager) inactive(ctx context.Context, s *Session) bool {
	switch s.State() {
	case StateCreating, StateQRPending:
		return false
	case StateAuthenticated:
		return s.lost()
	case StateReady:
		return !m.connected(ctx, s)
	default:
		return true
	}
}

// WaitForPage blocks until the session's client has opened its page.
func (m *Manager) WaitForPage(ctx context.Context, s *Session) (string, error) {
	opts := m.opts.Readiness
	opts.Done = s.Done()
	opts.Wake = s.Changed

	v, err := readiness.WaitForNested(ctx, s, "client.page", opts)
	if err != nil {
		return "", err
	}
	page, _ := v.(string)
	return page, nil
}

// QR returns the pending QR payload of id.
func (m *Manager) QR(id string) (string, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	qr, ok := s.QR()
	if !ok {
		return "", ErrQRUnavailable
	}
	return qr, nil
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a snapshot of every registered session ordered by id.
func (m *Manager) List() []Info {
	sessions := m.registry.Snapshot()
	result := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.Info())
	}
	return result
}

// Counts returns the number of registered sessions per state.
func (m *Manager) Counts() map[string]int {
	counts := make(map[string]int)
	for _, s := range m.registry.Snapshot() {
		counts[s.State().String()]++
	}
	return counts
}

// Subscribe returns a live event feed for id and the history buffered so far.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return "", nil, nil, ErrNotFound
	}
	subID, ch, history, ok := s.subscribe()
	if !ok {
		return "", nil, nil, ErrNotFound
	}
	return subID, ch, history, nil
}

// Unsubscribe ends a feed returned by Subscribe.
func (m *Manager) Unsubscribe(id, subID string) {
	if s, ok := m.registry.Get(id); ok {
		s.unsubscribe(subID)
	}
}

// RemoteSessionSaved announces a completed remote credential backup.
func (m *Manager) RemoteSessionSaved(id string) {
	if s, ok := m.registry.Get(id); ok {
		m.publish(s, Event{Type: EventRemoteSaved})
	}
}

// CredentialsRemoved marks id as disconnected after its local credential
// directory disappeared.
func (m *Manager) CredentialsRemoved(id string) {
	s, ok := m.registry.Get(id)
	if !ok || s.spec.Kind() != auth.KindLocal || s.State().Terminal() {
		return
	}
	s.logger.Warn("local credentials removed")
	s.markDisconnected()
	m.publish(s, Event{Type: EventCredentialsRemoved})
}

// Touch refreshes the activity timestamp of id.
func (m *Manager) Touch(id string) {
	if s, ok := m.registry.Get(id); ok {
		s.touch()
	}
}

// Recover sets up every session with credentials on disk or in a remote
// store. It returns how many sessions were started.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	var candidates []auth.Config
	var ids []string

	entries, err := os.ReadDir(m.opts.SessionsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := auth.SessionIDFromDir(e.Name()); ok {
			ids = append(ids, id)
			candidates = append(candidates, auth.Config{Type: string(auth.KindLocal)})
		}
	}

	for _, provider := range m.opts.Auth.Providers() {
		remoteIDs, err := m.opts.Auth.Stores[provider].List(ctx)
		if err != nil {
			m.logger.Warn("list remote sessions failed", slog.String("provider", provider), slog.Any("error", err))
			continue
		}
		for _, id := range remoteIDs {
			ids = append(ids, id)
			candidates = append(candidates, auth.Config{Type: string(auth.KindRemote), Provider: provider})
		}
	}

	started := 0
	for i, id := range ids {
		res, err := m.Setup(ctx, id, candidates[i])
		if err != nil {
			m.logger.Warn("recover session failed", slog.String("session", id), slog.Any("error", err))
			continue
		}
		if res.Message == MessageInitiated {
			started++
		}
	}
	m.logger.Info("sessions recovered", slog.Int("count", started))
	return started, nil
}

// Shutdown destroys every client without logging out, so credentials survive
// a restart, and waits for background work to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for _, s := range m.registry.Snapshot() {
		s.end(StateTerminated, "")
		m.release(s)
		m.registry.RemoveIf(s.id, s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to stop: %w", ctx.Err())
	}
}
