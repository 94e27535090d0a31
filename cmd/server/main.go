package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"wweb-gateway/internal/auth"
	"wweb-gateway/internal/client"
	"wweb-gateway/internal/config"
	"wweb-gateway/internal/credstore"
	"wweb-gateway/internal/readiness"
	"wweb-gateway/internal/realtime"
	"wweb-gateway/internal/session"
	"wweb-gateway/internal/watcher"
	"wweb-gateway/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		port         int
		sessionsPath string
	)
	flags := pflag.NewFlagSet("wweb-gateway", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSONC config file")
	flags.IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config and PORT)")
	flags.StringVar(&sessionsPath, "sessions", "", "sessions directory (overrides config and SESSIONS_PATH)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("sessions") {
		cfg.Sessions.Path = sessionsPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	builder, err := newAuthBuilder(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Automation.Command == "" {
		logger.Warn("automation.command is not set; sessions will fail to start")
	}
	mgr := session.NewManager(session.Options{
		SessionsPath:     cfg.Sessions.Path,
		MaxSessions:      cfg.Sessions.Max,
		FlushConcurrency: cfg.Sessions.FlushConcurrency,
		StatusTimeout:    cfg.Sessions.StatusTimeout,
		LogoutTimeout:    cfg.Sessions.LogoutTimeout,
		Readiness: readiness.Options{
			Timeout:  cfg.Sessions.ReadyTimeout,
			Interval: cfg.Sessions.ReadyInterval,
		},
		NewClient: client.NewProcessFactory(client.ProcessConfig{
			Command: cfg.Automation.Command,
			Args:    cfg.Automation.Args,
			Logger:  logger,
		}),
		Auth:      builder,
		Headless:  cfg.Automation.Headless,
		UserAgent: cfg.Automation.UserAgent,
		Logger:    logger,
	})
	builder.OnSaved = mgr.RemoteSessionSaved

	dispatcher, err := webhook.New(webhook.Config{
		URL:               cfg.Webhook.URL,
		APIKey:            cfg.Server.APIKey,
		DisabledCallbacks: cfg.Webhook.DisabledCallbacks,
		Timeout:           cfg.Webhook.Timeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	mgr.AddListener(func(ev session.Event) {
		if p, ok := webhookPayload(ev); ok {
			dispatcher.Enqueue(p)
		}
	})

	fileWatch := watcher.New(cfg.Sessions.Path, mgr, logger)
	if err := fileWatch.Start(); err != nil {
		logger.Warn("credential watcher disabled", slog.Any("error", err))
	}

	rtServer := realtime.New(mgr, realtime.Options{
		APIKey:       cfg.Server.APIKey,
		SessionsPath: cfg.Sessions.Path,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sessions.Recover {
		go func() {
			if _, err := mgr.Recover(ctx); err != nil {
				logger.Error("session recovery failed", slog.Any("error", err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpServer.Shutdown(shutdownCtx)
	fileWatch.Shutdown()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", slog.Any("error", err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("webhook shutdown incomplete", slog.Any("error", err))
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newAuthBuilder opens the remote stores and the bundle keys.
func newAuthBuilder(cfg *config.Config, logger *slog.Logger) (*auth.Builder, error) {
	stores := make(map[string]credstore.Store, len(cfg.Remote.Providers))
	for name, p := range cfg.Remote.Providers {
		store, err := credstore.Open(p)
		if err != nil {
			return nil, fmt.Errorf("remote provider %s: %w", name, err)
		}
		stores[name] = store
	}

	compression, err := credstore.ParseCompression(cfg.Remote.Compression)
	if err != nil {
		return nil, err
	}
	recipients, err := credstore.ParseRecipients(cfg.Remote.Recipients)
	if err != nil {
		return nil, fmt.Errorf("remote recipients: %w", err)
	}
	var unpack credstore.UnpackOptions
	if cfg.Remote.IdentityFile != "" {
		identities, err := credstore.LoadIdentities(cfg.Remote.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("remote identity file: %w", err)
		}
		unpack.Identities = identities
	}

	return &auth.Builder{
		SessionsPath:   cfg.Sessions.Path,
		Stores:         stores,
		Pack:           credstore.PackOptions{Compression: compression, Recipients: recipients},
		Unpack:         unpack,
		BackupInterval: cfg.Remote.BackupInterval,
		Logger:         logger,
	}, nil
}

// webhookPayload shapes a session event the way webhook receivers expect.
// Internal bookkeeping events are not delivered.
func webhookPayload(ev session.Event) (webhook.Payload, bool) {
	var data any
	switch ev.Type {
	case string(client.EventQR):
		data = map[string]string{"qr": ev.Data}
	case string(client.EventAuthFailure):
		data = map[string]string{"msg": ev.Data}
	case string(client.EventChangeState):
		data = map[string]string{"state": ev.Data}
	case string(client.EventDisconnected):
		data = map[string]string{"reason": ev.Data}
	case string(client.EventMessage):
		data = map[string]string{"message": ev.Data}
	case string(client.EventAuthenticated), string(client.EventReady), session.EventRemoteSaved:
		data = map[string]string{}
	default:
		return webhook.Payload{}, false
	}
	return webhook.Payload{SessionID: ev.SessionID, DataType: ev.Type, Data: data}, true
}
