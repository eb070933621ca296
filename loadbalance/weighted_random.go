package loadbalance

import (
	"math/rand/v2"

	"topic-rpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its weight.
// Instances with a non-positive weight are only picked when every weight is non-positive.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(topic string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances(topic)
	}

	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	r := rand.IntN(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
