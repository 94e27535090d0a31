// Package watcher follows local credential directories under the sessions
// folder and reports changes to the session manager.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"wweb-gateway/internal/auth"
)

const (
	debounceInterval = 500 * time.Millisecond
	maxWatchDepth    = 2
)

// Handler receives debounced credential changes.
type Handler interface {
	// CredentialsRemoved is called once a session directory is gone.
	CredentialsRemoved(sessionID string)
	// Touch is called after files of a session directory changed.
	Touch(sessionID string)
}

// Watcher monitors the sessions folder for credential changes.
type Watcher struct {
	root     string
	handler  Handler
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	timers    map[string]*time.Timer // sessionID → pending notification
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a watcher for root. Call Start to begin watching.
func New(root string, handler Handler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		handler:  handler,
		logger:   logger,
		debounce: debounceInterval,
		timers:   make(map[string]*time.Timer),
	}
}

// Start watches root and every session directory already inside it.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(w.root); err != nil {
		fsW.Close()
		return err
	}

	entries, _ := os.ReadDir(w.root)
	for _, e := range entries {
		if _, ok := auth.SessionIDFromDir(e.Name()); ok && e.IsDir() {
			addDirsRecursive(fsW, filepath.Join(w.root, e.Name()))
		}
	}

	w.mu.Lock()
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop(fsW)
	return nil
}

// watchLoop processes fsnotify events with per-session debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			id, ok := SessionIDFor(w.root, event.Name)
			if !ok {
				continue
			}

			// New directories inside a session are watched too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addDirsRecursive(fsW, event.Name)
				}
			}
			w.schedule(id)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// schedule resets the debounce timer of id.
func (w *Watcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Stop()
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		w.notify(id)
	})
}

func (w *Watcher) notify(id string) {
	dir := filepath.Join(w.root, auth.LocalDirName(id))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		w.logger.Info("session credentials removed", slog.String("session", id))
		w.handler.CredentialsRemoved(id)
		return
	}
	w.handler.Touch(id)
}

// Shutdown stops watching and drops pending notifications.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	fsW, cancel, done := w.fsWatcher, w.cancel, w.done
	w.fsWatcher = nil
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()

	if fsW == nil {
		return
	}
	close(cancel)
	fsW.Close()
	<-done
}

// SessionIDFor maps a path under root to the session owning it.
func SessionIDFor(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return auth.SessionIDFromDir(first)
}

// addDirsRecursive adds a directory and its subdirectories, up to
// maxWatchDepth levels, to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	base := strings.Count(filepath.Clean(dir), string(filepath.Separator))
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.Count(filepath.Clean(path), string(filepath.Separator))-base >= maxWatchDepth {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
