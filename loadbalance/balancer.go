// Package loadbalance selects which consumer of a topic receives a unicast message.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity consumers
//   - WeightedRandom:  heterogeneous consumers, by ServiceInstance.Weight
//   - ConsistentHash:  the same topic sticks to the same consumer while the set is stable
//
// Fanout never consults a balancer: every consumer receives the message.
package loadbalance

import (
	"fmt"

	"topic-rpc/registry"
	"topic-rpc/rpcerr"
)

// Balancer picks one instance for a message on topic. Implementations must be
// goroutine-safe; Pick runs on every unicast dispatch.
type Balancer interface {
	Pick(topic string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name for logging.
	Name() string
}

// New returns the balancer registered under name: "round_robin" (default),
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

func noInstances(topic string) error {
	return fmt.Errorf("%w: %s", rpcerr.ErrNoInstances, topic)
}
