package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wweb-gateway/internal/credstore"
)

const (
	localDirPrefix  = "session-"
	remoteDirPrefix = "RemoteAuth-"

	defaultBackupTimeout = time.Minute
)

// LocalDirName is the directory name of a locally authenticated session.
func LocalDirName(id string) string { return localDirPrefix + id }

// RemoteDirName is the working directory name of a remotely authenticated session.
func RemoteDirName(id string) string { return remoteDirPrefix + id }

// SessionIDFromDir extracts the session id from a local credential directory
// name.
func SessionIDFromDir(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, localDirPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Builder creates strategies for sessions.
type Builder struct {
	// SessionsPath is the parent directory of every session's data dir.
	SessionsPath string
	// Stores maps provider names to remote stores.
	Stores map[string]credstore.Store
	// Pack and Unpack configure the remote bundle format.
	Pack   credstore.PackOptions
	Unpack credstore.UnpackOptions
	// BackupInterval is the period of remote backups after the first save.
	// Zero disables periodic backups.
	BackupInterval time.Duration
	// OnSaved is called after every successful remote save.
	OnSaved func(sessionID string)
	Logger  *slog.Logger
}

// Providers returns the configured remote provider names, sorted.
func (b *Builder) Providers() []string {
	names := make([]string, 0, len(b.Stores))
	for name := range b.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the strategy for spec. It performs no I/O.
func (b *Builder) Build(spec Spec, id string) (Strategy, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch s := spec.(type) {
	case Local:
		return &localStrategy{dir: filepath.Join(b.SessionsPath, LocalDirName(id))}, nil

	case Remote:
		store, ok := b.Stores[s.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, s.Provider)
		}
		pack := b.Pack
		pack.SessionID = id
		return &remoteStrategy{
			spec:     s,
			id:       id,
			dir:      filepath.Join(b.SessionsPath, RemoteDirName(id)),
			store:    store,
			pack:     pack,
			unpack:   b.Unpack,
			interval: b.BackupInterval,
			onSaved:  b.OnSaved,
			logger:   logger.With(slog.String("session", id), slog.String("provider", s.Provider)),
			stop:     make(chan struct{}),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported spec %T", ErrInvalidConfig, spec)
	}
}

type localStrategy struct {
	dir string
}

func (l *localStrategy) Spec() Spec      { return Local{} }
func (l *localStrategy) DataDir() string { return l.dir }

func (l *localStrategy) Restore(_ context.Context) error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

func (l *localStrategy) AfterReady(_ context.Context) error { return nil }

func (l *localStrategy) Logout(_ context.Context) error {
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (l *localStrategy) Close() error { return nil }

type remoteStrategy struct {
	spec     Remote
	id       string
	dir      string
	store    credstore.Store
	pack     credstore.PackOptions
	unpack   credstore.UnpackOptions
	interval time.Duration
	onSaved  func(string)
	logger   *slog.Logger

	mu        sync.Mutex // serializes saves against Logout
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (r *remoteStrategy) Spec() Spec      { return r.spec }
func (r *remoteStrategy) DataDir() string { return r.dir }

func (r *remoteStrategy) Restore(ctx context.Context) error {
	data, err := r.store.Load(ctx, r.id)
	if errors.Is(err, credstore.ErrNotFound) {
		if err := os.MkdirAll(r.dir, 0o700); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load remote session: %w", err)
	}

	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("clear session dir: %w", err)
	}
	if err := credstore.Unpack(data, r.dir, r.unpack); err != nil {
		return fmt.Errorf("extract remote session: %w", err)
	}
	r.logger.Info("remote session restored")
	return nil
}

func (r *remoteStrategy) AfterReady(ctx context.Context) error {
	if err := r.save(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval <= 0 || r.closedLocked() {
		return nil
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.backupLoop()
	})
	return nil
}

func (r *remoteStrategy) backupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultBackupTimeout)
			if err := r.save(ctx); err != nil {
				r.logger.Warn("remote backup failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

// save uploads the working copy. A closed strategy saves nothing.
func (r *remoteStrategy) save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedLocked() {
		return nil
	}

	data, err := credstore.Pack(r.dir, r.pack)
	if err != nil {
		return fmt.Errorf("pack session: %w", err)
	}
	if err := r.store.Save(ctx, r.id, data); err != nil {
		return fmt.Errorf("save remote session: %w", err)
	}
	r.logger.Debug("remote session saved", slog.Int("bytes", len(data)))
	if r.onSaved != nil {
		r.onSaved(r.id)
	}
	return nil
}

func (r *remoteStrategy) Logout(ctx context.Context) error {
	r.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if err := r.store.Delete(ctx, r.id); err != nil {
		errs = append(errs, fmt.Errorf("delete remote session: %w", err))
	}
	if err := os.RemoveAll(r.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove session dir: %w", err))
	}
	return errors.Join(errs...)
}

func (r *remoteStrategy) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.stop)
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}

func (r *remoteStrategy) closedLocked() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}
