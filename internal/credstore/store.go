// Package credstore persists session authentication material outside the
// process: a pluggable key-value Store and the bundle format written to it.
package credstore

import (
	"context"
	"fmt"
)

// Store holds one credential bundle per session id. Implementations perform
// I/O on each call without caching and must be safe for concurrent use.
type Store interface {
	// List returns the session ids that have a stored bundle.
	List(ctx context.Context) ([]string, error)
	// Exists reports whether a bundle is stored for id.
	Exists(ctx context.Context, id string) (bool, error)
	// Load returns the bundle stored for id, or ErrNotFound.
	Load(ctx context.Context, id string) ([]byte, error)
	// Save creates or overwrites the bundle for id.
	Save(ctx context.Context, id string, data []byte) error
	// Delete removes the bundle for id. Missing ids are ignored.
	Delete(ctx context.Context, id string) error
}

// Provider kinds accepted by Open.
const (
	KindFilesystem = "filesystem"
	KindMemory     = "memory"
)

// ProviderConfig describes one named remote store.
type ProviderConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// Open builds the Store described by cfg.
func Open(cfg ProviderConfig) (Store, error) {
	switch cfg.Kind {
	case KindFilesystem:
		if cfg.Path == "" {
			return nil, fmt.Errorf("filesystem provider requires a path")
		}
		return NewFileStore(cfg.Path), nil
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %q", cfg.Kind)
	}
}
