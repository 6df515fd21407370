// Package registry lets dispatchers announce the channel they bound under a
// service name, and lets callers look those channels up.
package registry

import "context"

// ServiceInstance is one dispatcher serving a service.
type ServiceInstance struct {
	Channel string // channel name the dispatcher is bound to
	Weight  int    // weight for load balancing
	Version string
	PID     int
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, channel string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
