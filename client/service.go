package client

import (
	"context"
	"fmt"
	"log/slog"

	"mini-ipc/loadbalance"
	"mini-ipc/registry"
)

// ConnectService looks up the dispatchers registered under service, lets bal
// pick one and connects to its channel.
func (c *Client) ConnectService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, cb func(err error)) error {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return fmt.Errorf("client: discover %s: %w", service, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return fmt.Errorf("client: pick %s: %w", service, err)
	}
	c.logger.Info("picked dispatcher",
		slog.String("service", service),
		slog.String("channel", inst.Channel),
		slog.String("balancer", bal.Name()),
		slog.Int("candidates", len(instances)))
	return c.Connect(inst.Channel, cb)
}
