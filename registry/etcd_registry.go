// Package registry provides the etcd-based implementation of the Registry interface.
//
// Layout:
//
//	Key:   /mini-ipc/{ServiceName}/{Channel}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if a dispatcher dies without deregistering,
// the lease expires and the entry disappears.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mini-ipc/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c}, nil
}

func serviceKey(serviceName, channel string) string {
	return keyPrefix + serviceName + "/" + channel
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// Register stores the instance under a lease of ttl seconds and keeps the lease
// alive in the background.
//
// The lease id stays local so several dispatchers may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(serviceName, instance.Channel), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// KeepAlive must outlive the caller's ctx, which usually only covers startup.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. Dispatchers call it first thing on shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, channel string) error {
	_, err := r.client.Delete(ctx, serviceKey(serviceName, channel))
	return err
}

// Watch emits the full instance list each time anything under the service
// prefix changes, until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetching is simpler than applying individual events.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance currently registered for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
