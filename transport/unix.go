package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls socket naming, timeouts and the reconnection policy of a
// UnixTransport.
type Config struct {
	// Root is the directory holding channel sockets.
	Root string
	// Appspace prefixes every channel name on disk.
	Appspace string
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds a single frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	// RetryDelay is the first wait after a failed dial; it grows exponentially.
	RetryDelay time.Duration
	// MaxRetryDelay caps the wait between dials.
	MaxRetryDelay time.Duration
	// MaxRetries stops reconnecting after this many consecutive failures.
	// Zero retries forever.
	MaxRetries int
	// HeartbeatInterval is how often a client sends a keepalive frame.
	HeartbeatInterval time.Duration
	// LogHandler receives transport diagnostics. Nil uses slog.Default().
	LogHandler slog.Handler
}

// DefaultConfig lays sockets out as <tmp>/app.<name>.
func DefaultConfig() Config {
	return Config{
		Root:              os.TempDir(),
		Appspace:          "app.",
		DialTimeout:       2 * time.Second,
		WriteTimeout:      10 * time.Second,
		RetryDelay:        500 * time.Millisecond,
		MaxRetryDelay:     5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// UnixTransport implements Dialer and Binder over unix domain sockets.
type UnixTransport struct {
	cfg    Config
	logger *slog.Logger
}

// NewUnixTransport fills zero fields of cfg from DefaultConfig.
func NewUnixTransport(cfg Config) *UnixTransport {
	def := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	if cfg.Appspace == "" {
		cfg.Appspace = def.Appspace
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	t := &UnixTransport{cfg: cfg}
	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(slog.String("component", "transport"))
	return t
}

// SocketPath maps a channel name to its socket file.
func (t *UnixTransport) SocketPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return "", ErrNameInvalid
	}
	return filepath.Join(t.cfg.Root, t.cfg.Appspace+name), nil
}

// Probe reports whether something is accepting connections on name. It dials
// once, without retry, and disconnects immediately.
func (t *UnixTransport) Probe(ctx context.Context, name string) bool {
	path, err := t.SocketPath(name)
	if err != nil {
		return false
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

func (t *UnixTransport) dial(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, t.cfg.DialTimeout)
}

func (t *UnixTransport) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.RetryDelay
	bo.MaxInterval = t.cfg.MaxRetryDelay
	bo.MaxElapsedTime = 0
	if t.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(bo, uint64(t.cfg.MaxRetries))
	}
	return bo
}

func (t *UnixTransport) listen(name string) (net.Listener, string, error) {
	path, err := t.SocketPath(name)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(t.cfg.Root, 0o755); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBind, err)
	}
	// A socket file left behind by a crashed process would make Listen fail.
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		t.logger.Debug("removing stale socket", slog.String("path", path))
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBind, err)
	}
	return ln, path, nil
}
