package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"strings"
	"sync"

	"topic-rpc/registry"
)

// ConsistentHashBalancer maps a topic onto a hash ring of instances, so messages for a
// topic keep landing on the same consumer until the consumer set changes.
//
// Each instance is placed on the ring as replicas virtual nodes to spread load evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                            // sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance // virtual node hash → instance
	addrs string                              // instance set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the ring, hashing "{addr}#{i}" for each virtual node.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Pick rebuilds the ring when instances differ from the last call, then walks clockwise
// from the topic's hash to the first virtual node, wrapping past the end.
func (b *ConsistentHashBalancer) Pick(topic string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances(topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if key := instanceSet(instances); key != b.addrs {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, inst := range instances {
			b.add(inst)
		}
		slices.Sort(b.ring)
		b.addrs = key
	}

	hash := crc32.ChecksumIEEE([]byte(topic))
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func instanceSet(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
