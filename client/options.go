package client

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	callTimeout  time.Duration
}

// Option to pass to New.
type Option func(*config) error

// WithLog specifies which slog.Handler receives caller diagnostics.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses where caller metrics go. Nil discards them.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to every metric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCallTimeout fails and evicts calls that have no reply after d with
// ErrCallTimeout. By default calls wait forever.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.callTimeout = d
		return nil
	}
}
