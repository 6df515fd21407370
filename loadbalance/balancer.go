// Package loadbalance chooses one dispatcher among the instances a registry
// returns for a service.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity dispatchers
//   - WeightedRandom:  dispatchers with different capacity
//   - ConsistentHash:  a caller that should keep talking to the same dispatcher
package loadbalance

import (
	"errors"

	"mini-ipc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks the dispatcher a caller connects to.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name, for logging.
	Name() string
}
