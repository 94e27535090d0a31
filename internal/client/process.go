package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	defaultScannerBufSize  = 1024 * 1024 // 1 MB
	defaultEventBufCap     = 64
	defaultGracefulTimeout = 5 * time.Second
)

// ProcessConfig configures the child-process driver. The worker receives its
// session through the environment and speaks newline-delimited JSON:
// events {"type":"qr","data":"..."} on stdout, commands {"cmd":"logout"}
// on stdin. Anything on stderr is logged.
type ProcessConfig struct {
	Command         string
	Args            []string
	Env             []string
	GracefulTimeout time.Duration
	Logger          *slog.Logger
}

// NewProcessFactory returns a Factory that runs one worker process per client.
func NewProcessFactory(cfg ProcessConfig) Factory {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(opts Options) (Client, error) {
		if cfg.Command == "" {
			return nil, errors.New("automation command is not configured")
		}
		return &processClient{
			cfg:    cfg,
			opts:   opts,
			logger: cfg.Logger.With(slog.String("session", opts.SessionID)),
			events: make(chan Event, defaultEventBufCap),
			exited: make(chan struct{}),
			done:   make(chan struct{}),
		}, nil
	}
}

type processClient struct {
	cfg    ProcessConfig
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     *stdinWriter
	output    []io.Closer
	page      string
	state     ConnState
	started   bool
	destroyed bool

	events      chan Event
	exited      chan struct{}
	done        chan struct{}
	destroyOnce sync.Once
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// workerLine is one line of worker stdout.
type workerLine struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (c *processClient) Initialize(ctx context.Context) error {
	binaryPath, err := exec.LookPath(c.cfg.Command)
	if err != nil {
		return fmt.Errorf("automation command not found: %s", c.cfg.Command)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrClientGone
	}
	if c.started {
		return errors.New("client already initialized")
	}

	// The worker outlives the request that created it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binaryPath, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"SESSION_ID="+c.opts.SessionID,
		"SESSION_DATA_DIR="+c.opts.DataDir,
		"AUTH_STRATEGY="+c.opts.AuthKind,
		"HEADLESS="+strconv.FormatBool(c.opts.Headless),
		"USER_AGENT="+c.opts.UserAgent,
	)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start automation worker: %w", err)
	}

	c.cmd = cmd
	c.cancel = cancel
	c.stdin = &stdinWriter{writer: stdinPipe}
	c.output = []io.Closer{stdoutPipe, stderrPipe}
	c.state = StateOpening
	c.started = true

	go c.run(stdoutPipe, stderrPipe)
	return nil
}

// run scans worker output until both pipes close, then reaps the process.
func (c *processClient) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.scanEvents(stdout)
	}()
	go func() {
		defer wg.Done()
		c.scanStderr(stderr)
	}()
	wg.Wait()

	err := c.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.stdin.Close()

	c.emit(Event{
		Type:      EventExit,
		Data:      fmt.Sprintf("exit_code:%d", exitCode),
		Timestamp: time.Now().UTC(),
	})
	close(c.exited)
	close(c.events)
}

func (c *processClient) scanEvents(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		var line workerLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.Type == "" {
			c.logger.Debug("worker output", slog.String("line", scanner.Text()))
			continue
		}

		event := Event{
			Type:      EventType(line.Type),
			Data:      line.Data,
			Timestamp: time.Now().UTC(),
		}
		c.observe(event)
		c.emit(event)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("worker stdout scanner error", slog.Any("error", err))
	}
}

func (c *processClient) scanStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)
	for scanner.Scan() {
		c.logger.Info("worker stderr", slog.String("line", scanner.Text()))
	}
}

// observe updates the cached page handle and connection state.
func (c *processClient) observe(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case EventPage:
		c.page = event.Data
	case EventQR:
		c.state = StatePairing
	case EventReady:
		c.state = StateConnected
	case EventChangeState:
		c.state = ConnState(event.Data)
	case EventDisconnected:
		c.state = StateDisconnected
	}
}

// emit hands an event to the consumer. Events emitted after Destroy are dropped.
func (c *processClient) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.done:
	}
}

func (c *processClient) Events() <-chan Event { return c.events }

func (c *processClient) Page() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.page, c.page != ""
}

func (c *processClient) State(ctx context.Context) (ConnState, error) {
	select {
	case <-c.exited:
		return StateDisconnected, ErrClientGone
	case <-c.done:
		return StateDisconnected, ErrClientGone
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return StateOpening, nil
	}
	return c.state, nil
}

func (c *processClient) Logout(ctx context.Context) error {
	c.mu.RLock()
	stdin, started := c.stdin, c.started
	c.mu.RUnlock()
	if !started {
		return ErrClientGone
	}

	if err := stdin.Write([]byte(`{"cmd":"logout"}` + "\n")); err != nil {
		return fmt.Errorf("send logout: %w", err)
	}

	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for logout: %w", ctx.Err())
	}
}

func (c *processClient) Destroy() error {
	c.destroyOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.destroyed = true
		started := c.started
		c.mu.Unlock()

		if !started {
			close(c.events)
			return
		}

		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Signal(os.Interrupt)
		}

		// Give the worker time to exit gracefully, then force kill.
		select {
		case <-c.exited:
		case <-time.After(c.cfg.GracefulTimeout):
			c.cancel()
			select {
			case <-c.exited:
			case <-time.After(c.cfg.GracefulTimeout):
				// A grandchild still holds the output pipes open. Closing
				// our ends lets run reap the worker and close events.
				c.logger.Warn("worker did not exit after kill")
				c.mu.RLock()
				output := c.output
				c.mu.RUnlock()
				for _, p := range output {
					p.Close()
				}
			}
		}
		c.cancel()
	})
	return nil
}
