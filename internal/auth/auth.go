// Package auth decides where a session's authentication material lives and
// how it is restored before, and persisted after, the client connects.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned for an unknown type or a remote config
	// without a provider.
	ErrInvalidConfig = errors.New("invalid auth config")
	// ErrUnknownProvider is returned when a remote config names a provider
	// that is not configured.
	ErrUnknownProvider = errors.New("unknown auth provider")
)

// Kind names an auth variant on the wire.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Config is the untyped shape received from HTTP clients.
type Config struct {
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
}

// Spec is a validated auth config. The only implementations are Local and
// Remote.
type Spec interface {
	Kind() Kind
	String() string
	sealed()
}

// Local keeps credentials on the local filesystem.
type Local struct{}

func (Local) Kind() Kind     { return KindLocal }
func (Local) String() string { return string(KindLocal) }
func (Local) sealed()        {}

// Remote keeps credentials in a named remote store.
type Remote struct {
	Provider string
}

func (Remote) Kind() Kind       { return KindRemote }
func (r Remote) String() string { return string(KindRemote) + ":" + r.Provider }
func (Remote) sealed()          {}

// Parse validates cfg and returns its Spec.
func Parse(cfg Config) (Spec, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(cfg.Type))) {
	case KindLocal:
		return Local{}, nil
	case KindRemote:
		provider := strings.TrimSpace(cfg.Provider)
		if provider == "" {
			return nil, fmt.Errorf("%w: provider is required for remote authentication", ErrInvalidConfig)
		}
		return Remote{Provider: provider}, nil
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}
}

// Strategy manages one session's authentication material.
type Strategy interface {
	// Spec returns the config this strategy was built from.
	Spec() Spec
	// DataDir is the directory the client keeps its browser profile in.
	DataDir() string
	// Restore prepares DataDir before the client starts.
	Restore(ctx context.Context) error
	// AfterReady runs once the client reports ready.
	AfterReady(ctx context.Context) error
	// Logout destroys the persisted material.
	Logout(ctx context.Context) error
	// Close stops any background work. Idempotent.
	Close() error
}
