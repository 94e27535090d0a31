// Package config loads the gateway configuration from a YAML or JSONC file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"wweb-gateway/internal/credstore"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Automation AutomationConfig `yaml:"automation"`
	Remote     RemoteConfig     `yaml:"remote"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type SessionsConfig struct {
	Path             string        `yaml:"path"`
	Max              int           `yaml:"max"`
	Recover          bool          `yaml:"recover"`
	FlushConcurrency int           `yaml:"flush_concurrency"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	ReadyInterval    time.Duration `yaml:"ready_interval"`
	StatusTimeout    time.Duration `yaml:"status_timeout"`
	LogoutTimeout    time.Duration `yaml:"logout_timeout"`
}

// AutomationConfig describes the worker process that drives each client.
type AutomationConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Headless  bool     `yaml:"headless"`
	UserAgent string   `yaml:"user_agent"`
}

type RemoteConfig struct {
	Providers      map[string]credstore.ProviderConfig `yaml:"providers"`
	Compression    string                              `yaml:"compression"`
	Recipients     []string                            `yaml:"recipients"`
	IdentityFile   string                              `yaml:"identity_file"`
	BackupInterval time.Duration                       `yaml:"backup_interval"`
}

type WebhookConfig struct {
	URL               string        `yaml:"url"`
	DisabledCallbacks []string      `yaml:"disabled_callbacks"`
	Timeout           time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Sessions: SessionsConfig{
			Path:             "./sessions",
			FlushConcurrency: 4,
			ReadyTimeout:     30 * time.Second,
			ReadyInterval:    100 * time.Millisecond,
			StatusTimeout:    5 * time.Second,
			LogoutTimeout:    10 * time.Second,
		},
		Automation: AutomationConfig{
			Headless: true,
		},
		Remote: RemoteConfig{
			Compression:    "zstd",
			BackupInterval: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Files ending in .json or .jsonc may carry comments and trailing commas.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. A nil lookup uses
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	integer("PORT", &c.Server.Port)
	str("API_KEY", &c.Server.APIKey)
	str("SESSIONS_PATH", &c.Sessions.Path)
	integer("MAX_SESSIONS", &c.Sessions.Max)
	boolean("RECOVER_SESSIONS", &c.Sessions.Recover)
	str("BASE_WEBHOOK_URL", &c.Webhook.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("AUTOMATION_COMMAND", &c.Automation.Command)
	if v, ok := lookup("DISABLED_CALLBACKS"); ok && v != "" {
		c.Webhook.DisabledCallbacks = strings.Split(v, "|")
	}

	return errors.Join(errs...)
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Sessions.Path == "" {
		errs = append(errs, errors.New("sessions.path is required"))
	}
	if c.Sessions.Max < 0 {
		errs = append(errs, fmt.Errorf("sessions.max must not be negative: %d", c.Sessions.Max))
	}
	if c.Sessions.FlushConcurrency < 0 {
		errs = append(errs, fmt.Errorf("sessions.flush_concurrency must not be negative: %d", c.Sessions.FlushConcurrency))
	}
	if c.Sessions.ReadyInterval > 0 && c.Sessions.ReadyTimeout > 0 && c.Sessions.ReadyInterval > c.Sessions.ReadyTimeout {
		errs = append(errs, errors.New("sessions.ready_interval exceeds sessions.ready_timeout"))
	}
	if _, err := credstore.ParseCompression(c.Remote.Compression); err != nil {
		errs = append(errs, fmt.Errorf("remote.compression: %w", err))
	}
	for name, p := range c.Remote.Providers {
		if name == "" {
			errs = append(errs, errors.New("remote.providers: empty provider name"))
		}
		switch p.Kind {
		case credstore.KindFilesystem:
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("remote.providers.%s: path is required", name))
			}
		case credstore.KindMemory:
		default:
			errs = append(errs, fmt.Errorf("remote.providers.%s: unknown kind %q", name, p.Kind))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
