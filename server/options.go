package server

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"

	"mini-ipc/registry"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	registry    registry.Registry
	serviceName string
	instance    registry.ServiceInstance
	ttl         int64
}

// Option to pass to New.
type Option func(*config) error

// WithLog specifies which slog.Handler receives dispatcher diagnostics.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses where dispatcher metrics go. Nil discards them.
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

// WithRegistry announces the bound channel under serviceName once Start
// succeeds, with a lease of ttl seconds. instance.Channel is filled in by Start.
func WithRegistry(reg registry.Registry, serviceName string, instance registry.ServiceInstance, ttl int64) Option {
	return func(c *config) error {
		if reg == nil || serviceName == "" {
			return errors.New("server: registry and service name are required")
		}
		if ttl <= 0 {
			ttl = 10
		}
		c.registry = reg
		c.serviceName = serviceName
		c.instance = instance
		c.ttl = ttl
		return nil
	}
}
