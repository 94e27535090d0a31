// Package clienttest provides a scriptable client.Client for tests.
package clienttest

import (
	"context"
	"sync"
	"time"

	"wweb-gateway/internal/client"
)

// Fake is an in-memory client driven by the test through Emit.
type Fake struct {
	Opts client.Options

	mu          sync.Mutex
	events      chan client.Event
	page        string
	state       client.ConnState
	stateErr    error
	initErr     error
	logoutErr   error
	initialized bool
	loggedOut   bool
	destroyed   int
	closed      bool
}

// New returns a Fake for opts.
func New(opts client.Options) *Fake {
	return &Fake{
		Opts:   opts,
		events: make(chan client.Event, 256),
		state:  client.StateOpening,
	}
}

// Recorder is a client.Factory that remembers every Fake it built.
type Recorder struct {
	// InitErr, when set, is returned by Initialize of every new client.
	InitErr error
	// LogoutErr, when set, is returned by Logout of every new client.
	LogoutErr error
	// OnCreate, when set, is called with every new client.
	OnCreate func(*Fake)

	mu      sync.Mutex
	clients []*Fake
}

// Factory returns the client.Factory backed by r.
func (r *Recorder) Factory() client.Factory {
	return func(opts client.Options) (client.Client, error) {
		f := New(opts)
		r.mu.Lock()
		f.initErr = r.InitErr
		f.logoutErr = r.LogoutErr
		r.clients = append(r.clients, f)
		hook := r.OnCreate
		r.mu.Unlock()
		if hook != nil {
			hook(f)
		}
		return f, nil
	}
}

// Count returns how many clients were built.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Last returns the most recently built client, or nil.
func (r *Recorder) Last() *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) == 0 {
		return nil
	}
	return r.clients[len(r.clients)-1]
}

// ForSession returns the latest client built for id, or nil.
func (r *Recorder) ForSession(id string) *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.clients) - 1; i >= 0; i-- {
		if r.clients[i].Opts.SessionID == id {
			return r.clients[i]
		}
	}
	return nil
}

func (f *Fake) Initialize(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *Fake) Events() <-chan client.Event { return f.events }

func (f *Fake) Page() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page, f.page != ""
}

func (f *Fake) State(_ context.Context) (client.ConnState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.destroyed > 0 {
		return client.StateDisconnected, client.ErrClientGone
	}
	if f.stateErr != nil {
		return "", f.stateErr
	}
	return f.state, nil
}

func (f *Fake) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logoutErr != nil {
		return f.logoutErr
	}
	f.loggedOut = true
	return nil
}

func (f *Fake) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.closeLocked()
	return nil
}

// Emit sends an event as if the automation client produced it, updating the
// cached page and connection state the same way a real client would.
func (f *Fake) Emit(t client.EventType, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	switch t {
	case client.EventPage:
		f.page = data
	case client.EventQR:
		f.state = client.StatePairing
	case client.EventReady:
		f.state = client.StateConnected
	case client.EventChangeState:
		f.state = client.ConnState(data)
	case client.EventDisconnected:
		f.state = client.StateDisconnected
	}

	select {
	case f.events <- client.Event{Type: t, Data: data, Timestamp: time.Now().UTC()}:
	default:
	}
}

// SetStateError makes State fail with err.
func (f *Fake) SetStateError(err error) {
	f.mu.Lock()
	f.stateErr = err
	f.mu.Unlock()
}

// Drop simulates the automation connection dying: the event stream closes.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Fake) closeLocked() {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

// Initialized reports whether Initialize succeeded.
func (f *Fake) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// LoggedOut reports whether Logout succeeded.
func (f *Fake) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// DestroyCount reports how many times Destroy was called.
func (f *Fake) DestroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}
