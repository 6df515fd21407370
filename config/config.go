// Package config loads the settings shared by ipcd and ipcctl.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mini-ipc/transport"
)

type Config struct {
	SocketRoot string `toml:"socket_root"`
	Appspace   string `toml:"appspace"`
	// Namespace is the prefix FindOpenSocket probes when no channel is given.
	Namespace string `toml:"namespace"`
	Channel   string `toml:"channel"`
	Service   string `toml:"service"`

	EtcdEndpoints []string `toml:"etcd_endpoints"`
	RegistryTTL   int64    `toml:"registry_ttl"`

	LogLevel        string        `toml:"log_level"`
	CallTimeout     time.Duration `toml:"call_timeout"`
	TickInterval    time.Duration `toml:"tick_interval"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	MaxRetries      int           `toml:"max_retries"`
	RateLimit       float64       `toml:"rate_limit"`
	RateBurst       int           `toml:"rate_burst"`
	// HandlerRetries re-runs a handler that failed with a transient error.
	// Only for idempotent methods; 0 disables.
	HandlerRetries    int           `toml:"handler_retries"`
	HandlerRetryDelay time.Duration `toml:"handler_retry_delay"`
}

// Default returns the settings used when neither a file nor the environment
// says otherwise.
func Default() *Config {
	return &Config{
		SocketRoot:      os.TempDir(),
		Appspace:        "app.",
		Namespace:       "ipc",
		Service:         "calc",
		RegistryTTL:     10,
		LogLevel:        "info",
		TickInterval:    time.Second,
		ShutdownTimeout: 5 * time.Second,

		HandlerRetryDelay: 10 * time.Millisecond,
	}
}

// Load reads configuration from a TOML file at path (if non-empty, otherwise
// ipc.toml or config/ipc.toml when present), on top of the defaults, and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, cand := range []string{"ipc.toml", filepath.Join("config", "ipc.toml")} {
			if fi, err := os.Stat(cand); err == nil && !fi.IsDir() {
				path = cand
				break
			}
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("IPC_SOCKET_ROOT"); v != "" {
		cfg.SocketRoot = v
	}
	if v := os.Getenv("IPC_APPSPACE"); v != "" {
		cfg.Appspace = v
	}
	if v := os.Getenv("IPC_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("IPC_CHANNEL"); v != "" {
		cfg.Channel = v
	}
	if v := os.Getenv("IPC_ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("IPC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IPC_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: IPC_CALL_TIMEOUT: %w", err)
		}
		cfg.CallTimeout = d
	}
	if v := os.Getenv("IPC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: IPC_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("IPC_HANDLER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: IPC_HANDLER_RETRIES: %w", err)
		}
		cfg.HandlerRetries = n
	}

	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

// LogHandler is a text handler on stderr at the configured level.
func (c *Config) LogHandler() slog.Handler {
	lvl, _ := c.Level()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
}

// Transport derives the unix socket transport settings.
func (c *Config) Transport() transport.Config {
	tc := transport.DefaultConfig()
	tc.Root = c.SocketRoot
	tc.Appspace = c.Appspace
	tc.MaxRetries = c.MaxRetries
	tc.LogHandler = c.LogHandler()
	return tc
}
