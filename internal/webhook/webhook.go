// Package webhook delivers session events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultQueueSize = 256
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("webhook dispatcher closed")

// Config configures a Dispatcher.
type Config struct {
	// URL receives every event unless a session has its own endpoint.
	URL string
	// APIKey, when set, is sent in the x-api-key header.
	APIKey string
	// DisabledCallbacks lists data types that are never delivered.
	DisabledCallbacks []string
	// Timeout bounds a single delivery.
	Timeout time.Duration
	// QueueSize bounds pending deliveries. Events beyond it are dropped.
	QueueSize int
	// LookupEnv resolves per-session endpoints from <SESSIONID>_WEBHOOK_URL.
	// If nil, os.LookupEnv is used.
	LookupEnv func(string) (string, bool)
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Payload is the body POSTed for every event.
type Payload struct {
	SessionID string `json:"sessionId"`
	DataType  string `json:"dataType"`
	Data      any    `json:"data"`
}

// Dispatcher queues payloads and delivers them from a single worker, so
// deliveries leave in the order they were enqueued.
type Dispatcher struct {
	cfg      Config
	disabled map[string]bool
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Payload
	done   chan struct{}
}

// New validates cfg and starts the delivery worker.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.URL != "" {
		if _, err := url.ParseRequestURI(cfg.URL); err != nil {
			return nil, fmt.Errorf("invalid webhook url %q: %w", cfg.URL, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	disabled := make(map[string]bool, len(cfg.DisabledCallbacks))
	for _, name := range cfg.DisabledCallbacks {
		if name = strings.TrimSpace(name); name != "" {
			disabled[name] = true
		}
	}

	d := &Dispatcher{
		cfg:      cfg,
		disabled: disabled,
		client:   client,
		logger:   logger,
		queue:    make(chan Payload, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Enabled reports whether events of dataType are delivered.
func (d *Dispatcher) Enabled(dataType string) bool {
	return !d.disabled[dataType]
}

// URLFor returns the endpoint of sessionID, or "" when it has none.
func (d *Dispatcher) URLFor(sessionID string) string {
	if v, ok := d.cfg.LookupEnv(strings.ToUpper(sessionID) + "_WEBHOOK_URL"); ok && v != "" {
		return v
	}
	return d.cfg.URL
}

// Enqueue schedules p for delivery without blocking. It reports false when
// p was skipped or dropped.
func (d *Dispatcher) Enqueue(p Payload) bool {
	if !d.Enabled(p.DataType) || d.URLFor(p.SessionID) == "" {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- p:
		return true
	default:
		d.logger.Warn("webhook queue full, dropping event",
			slog.String("session", p.SessionID), slog.String("data_type", p.DataType))
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for p := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		if err := d.deliver(ctx, p); err != nil {
			d.logger.Warn("webhook delivery failed",
				slog.String("session", p.SessionID),
				slog.String("data_type", p.DataType),
				slog.Any("error", err))
		}
		cancel()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URLFor(p.SessionID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", uuid.NewString())
	if d.cfg.APIKey != "" {
		req.Header.Set("x-api-key", d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
