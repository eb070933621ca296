package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every registration:
//
//	Key:   /topic-rpc/{topic}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations are attached to TTL leases, so a crashed responder's entries expire
// instead of lingering.
const KeyPrefix = "/topic-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key -> stops its KeepAlive
}

type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	logger      *zap.Logger
	dialTimeout time.Duration
}

func WithEtcdLogger(logger *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = logger }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{logger: zap.L(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: o.logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func topicKey(topic, addr string) string {
	return KeyPrefix + topic + "/" + addr
}

func topicPrefix(topic string) string {
	return KeyPrefix + topic + "/"
}

// Register grants a lease of ttl seconds, stores instance under it and keeps it alive
// until Deregister or Close.
//
// The lease ID is kept local to each call so that several servers may share one
// EtcdRegistry without racing on it.
func (r *EtcdRegistry) Register(topic string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(r.ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := topicKey(topic, instance.Addr)
	if _, err := r.client.Put(r.ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, kaCancel := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = kaCancel
	r.mu.Unlock()

	// drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("registry lease keepalive stopped", zap.String("key", key))
	}()
	r.logger.Info("registered topic consumer", zap.String("topic", topic), zap.String("addr", instance.Addr))
	return nil
}

// Deregister removes the entry and stops renewing its lease.
func (r *EtcdRegistry) Deregister(topic string, addr string) error {
	key := topicKey(topic, addr)
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(r.ctx, key)
	return err
}

// Watch re-reads the topic's instances on every change under its prefix.
// The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(topic string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, topicPrefix(topic), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch failed", zap.String("topic", topic), zap.Error(err))
				continue
			}
			instances, err := r.Discover(topic)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(topic string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(r.ctx, topicPrefix(topic), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and watch, then closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
