// Package client defines the boundary to the browser-automation client that
// backs a session, plus a driver that runs it as a child process.
package client

import (
	"context"
	"errors"
	"time"
)

// ErrClientGone is returned by State once the automation connection has
// dropped or the client was destroyed.
var ErrClientGone = errors.New("client is gone")

// EventType identifies an event emitted by a client.
type EventType string

const (
	EventQR            EventType = "qr"
	EventPage          EventType = "page"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailure   EventType = "auth_failure"
	EventReady         EventType = "ready"
	EventChangeState   EventType = "change_state"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
	EventExit          EventType = "exit"
)

// Event is a single typed notification from a client.
type Event struct {
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnState is the client's own view of its connection.
type ConnState string

const (
	StateConnected    ConnState = "CONNECTED"
	StateOpening      ConnState = "OPENING"
	StatePairing      ConnState = "PAIRING"
	StateUnpaired     ConnState = "UNPAIRED"
	StateConflict     ConnState = "CONFLICT"
	StateTimeout      ConnState = "TIMEOUT"
	StateDisconnected ConnState = "DISCONNECTED"
)

// Client is one long-running automated messaging connection.
type Client interface {
	// Initialize starts the client. Events begin flowing on Events.
	Initialize(ctx context.Context) error
	// Events delivers events in emission order. Closed when the client is gone.
	Events() <-chan Event
	// Page returns the handle of the automation page once it exists.
	Page() (string, bool)
	// State probes the live connection.
	State(ctx context.Context) (ConnState, error)
	// Logout unlinks the device and stops the client.
	Logout(ctx context.Context) error
	// Destroy releases every resource held by the client. Idempotent.
	Destroy() error
}

// Options configures a new client.
type Options struct {
	SessionID string
	DataDir   string
	AuthKind  string
	Headless  bool
	UserAgent string
}

// Factory constructs a client without starting it.
type Factory func(opts Options) (Client, error)
