package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mini-ipc/registry"
)

// ConsistentHashBalancer maps a key onto a hash ring of instances, so the same
// key keeps landing on the same dispatcher while the instance set is stable.
//
// Each instance is placed on the ring as 100 virtual nodes to even out the
// distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int
	key      string // key hashed by Pick

	mu    sync.Mutex
	ring  []uint32                             // sorted hash values
	nodes map[uint32]*registry.ServiceInstance // hash value → instance
}

// NewConsistentHashBalancer creates a ring whose Pick always hashes key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		key:      key,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the ring, hashing "{channel}#{i}" per virtual node.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Channel, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Pick rebuilds the ring from instances and returns the owner of the
// balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
	for i := range instances {
		b.add(&instances[i])
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	return b.pickKey(b.key)
}

// PickKey returns the owner of key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickKey(key)
}

func (b *ConsistentHashBalancer) pickKey(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// First node clockwise from the key's hash, wrapping to the start.
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
