package registry

import (
	"slices"
	"strings"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-process deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	topics   map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		topics:   make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(topic string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]ServiceInstance)
	}
	r.topics[topic][instance.Addr] = instance
	r.notify(topic)
	return nil
}

func (r *MemoryRegistry) Deregister(topic string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[topic][addr]; !ok {
		return nil
	}
	delete(r.topics[topic], addr)
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
	r.notify(topic)
	return nil
}

// Discover returns the instances of topic ordered by address.
func (r *MemoryRegistry) Discover(topic string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(topic), nil
}

func (r *MemoryRegistry) Watch(topic string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[topic] = append(r.watchers[topic], ch)
	return ch
}

func (r *MemoryRegistry) snapshot(topic string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.topics[topic]))
	for _, inst := range r.topics[topic] {
		instances = append(instances, inst)
	}
	slices.SortFunc(instances, func(a, b ServiceInstance) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	return instances
}

// notify replaces any unread update so a slow watcher only sees the latest list.
// Must be called with r.mu held.
func (r *MemoryRegistry) notify(topic string) {
	if len(r.watchers[topic]) == 0 {
		return
	}
	instances := r.snapshot(topic)
	for _, ch := range r.watchers[topic] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
