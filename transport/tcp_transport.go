package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"topic-rpc/codec"
	"topic-rpc/loadbalance"
	"topic-rpc/message"
	"topic-rpc/registry"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
	"topic-rpc/rpcerr"
)

var _ rpc.Transport = (*TCPTransport)(nil)

// TCPTransport delivers topic messages to responders found in a registry.
//
// Unicast operations pick one consumer with the balancer; fanout operations send to every
// consumer. Discovery results are cached per topic for the discovery TTL.
type TCPTransport struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	codec    codec.CodecType
	poolSize int
	timeout  time.Duration // applied when a call carries no timeout
	hbeat    time.Duration
	cacheTTL time.Duration
	limiter  *rate.Limiter // nil means casts are not rate limited
	logger   *zap.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	cache  *lru.Cache // topic → cachedInstances, guarded by mu
	pools  map[string]*ConnPool
	closed bool
}

type cachedInstances struct {
	instances []registry.ServiceInstance
	expires   time.Time
}

type TCPOption func(*TCPTransport)

func WithCodec(ct codec.CodecType) TCPOption {
	return func(t *TCPTransport) { t.codec = ct }
}

func WithBalancer(b loadbalance.Balancer) TCPOption {
	return func(t *TCPTransport) { t.balancer = b }
}

// WithPoolSize sets the number of multiplexed connections per responder address.
func WithPoolSize(n int) TCPOption {
	return func(t *TCPTransport) { t.poolSize = n }
}

// WithResponseTimeout sets the deadline for calls made without WithTimeout.
func WithResponseTimeout(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.timeout = d }
}

func WithHeartbeat(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.hbeat = d }
}

// WithDiscoveryTTL sets how long a topic's consumer list is cached. Zero disables caching.
func WithDiscoveryTTL(d time.Duration) TCPOption {
	return func(t *TCPTransport) { t.cacheTTL = d }
}

// WithCastRate limits casts and fanouts to r per second with burst. Casts wait for a
// token rather than fail.
func WithCastRate(r float64, burst int) TCPOption {
	return func(t *TCPTransport) { t.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func WithTransportLogger(logger *zap.Logger) TCPOption {
	return func(t *TCPTransport) { t.logger = logger }
}

func NewTCPTransport(reg registry.Registry, opts ...TCPOption) *TCPTransport {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	t := &TCPTransport{
		registry: reg,
		balancer: &loadbalance.RoundRobinBalancer{},
		codec:    codec.CodecTypeJSON,
		poolSize: 4,
		timeout:  60 * time.Second,
		hbeat:    30 * time.Second,
		cacheTTL: 5 * time.Second,
		logger:   zap.L(),
		dial:     dialer.DialContext,
		cache:    lru.New(1024),
		pools:    make(map[string]*ConnPool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call waits for the responder's End frame and returns the last value it replied with,
// or nil when it replied with none.
func (t *TCPTransport) Call(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (any, error) {
	ctx, cancel, d := t.withTimeout(ctx, timeout)
	defer cancel()

	pc, err := t.call(ctx, topic, msg)
	if err != nil {
		return nil, err
	}
	var last any
	for {
		payload, ok, err := pc.Next(ctx)
		if err != nil {
			return nil, t.callError(ctx, err, d)
		}
		if !ok {
			return last, nil
		}
		if last, err = decodeValue(payload); err != nil {
			pc.Abandon()
			return nil, err
		}
	}
}

// MultiCall returns the replies as they arrive. The deadline keeps running while the
// caller iterates; a caller that stops early abandons the remaining replies. The pending
// call is released by the responder's End frame, or when ctx ends.
func (t *TCPTransport) MultiCall(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (iter.Seq2[any, error], error) {
	ctx, cancel, d := t.withTimeout(ctx, timeout)

	pc, err := t.call(ctx, topic, msg)
	if err != nil {
		cancel()
		return nil, err
	}
	// release the pending call even if the sequence is never ranged over
	context.AfterFunc(ctx, pc.Abandon)

	return func(yield func(any, error) bool) {
		defer cancel()
		for {
			payload, ok, err := pc.Next(ctx)
			if err != nil {
				yield(nil, t.callError(ctx, err, d))
				return
			}
			if !ok {
				return
			}
			v, err := decodeValue(payload)
			if !yield(v, err) || err != nil {
				pc.Abandon()
				return
			}
		}
	}, nil
}

func (t *TCPTransport) Cast(ctx context.Context, topic string, msg message.Message) error {
	inst, err := t.pick(topic)
	if err != nil {
		return err
	}
	return t.cast(ctx, inst.Addr, topic, msg)
}

// FanoutCast sends msg to every consumer of topic. A topic nobody consumes drops the
// message, as a broker exchange with no bound queues would.
func (t *TCPTransport) FanoutCast(ctx context.Context, topic string, msg message.Message) error {
	instances, err := t.discover(topic)
	if err != nil {
		return err
	}
	return t.fanout(ctx, instances, topic, msg)
}

// CastToServer sends msg to one server: directly to server.Addr when set, otherwise to a
// consumer of topic.host.
func (t *TCPTransport) CastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	target := serverTopic(topic, server)
	if server.Addr != "" {
		return t.cast(ctx, server.Addr, target, msg)
	}
	inst, err := t.pick(target)
	if err != nil {
		return err
	}
	return t.cast(ctx, inst.Addr, target, msg)
}

func (t *TCPTransport) FanoutCastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	target := serverTopic(topic, server)
	if server.Addr != "" {
		return t.cast(ctx, server.Addr, target, msg)
	}
	instances, err := t.discover(target)
	if err != nil {
		return err
	}
	return t.fanout(ctx, instances, target, msg)
}

// Close closes every pooled connection. Calls in flight fail with rpcerr.ErrClosed.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for addr, pool := range t.pools {
		pool.Close()
		delete(t.pools, addr)
	}
	return nil
}

func serverTopic(topic string, server rpc.ServerParams) string {
	if server.Host == "" {
		return topic
	}
	return registry.HostTopic(topic, server.Host)
}

func (t *TCPTransport) withTimeout(ctx context.Context, timeout *time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	d := t.timeout
	if timeout != nil {
		d = *timeout
	}
	if d <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, 0
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d
}

func (t *TCPTransport) callError(ctx context.Context, err error, d time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rpcerr.NewTimeout(fmt.Sprintf("no reply within %s", d))
	}
	return err
}

func (t *TCPTransport) call(ctx context.Context, topic string, msg message.Message) (*PendingCall, error) {
	inst, err := t.pick(topic)
	if err != nil {
		return nil, err
	}
	env, err := envelope(ctx, topic, msg)
	if err != nil {
		return nil, err
	}
	ct, err := t.transport(ctx, inst.Addr, topic)
	if err != nil {
		return nil, err
	}
	return ct.Call(env)
}

func (t *TCPTransport) cast(ctx context.Context, addr, topic string, msg message.Message) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	env, err := envelope(ctx, topic, msg)
	if err != nil {
		return err
	}
	ct, err := t.transport(ctx, addr, topic)
	if err != nil {
		return err
	}
	return ct.Cast(env)
}

func (t *TCPTransport) fanout(ctx context.Context, instances []registry.ServiceInstance, topic string, msg message.Message) error {
	if len(instances) == 0 {
		t.logger.Debug("fanout to topic without consumers", zap.String("topic", topic), zap.String("method", msg.Method))
		return nil
	}
	var errs []error
	for _, inst := range instances {
		if err := t.cast(ctx, inst.Addr, topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Addr, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TCPTransport) pick(topic string) (*registry.ServiceInstance, error) {
	instances, err := t.discover(topic)
	if err != nil {
		return nil, err
	}
	return t.balancer.Pick(topic, instances)
}

func (t *TCPTransport) discover(topic string) ([]registry.ServiceInstance, error) {
	if t.cacheTTL > 0 {
		t.mu.Lock()
		if v, ok := t.cache.Get(topic); ok {
			entry := v.(cachedInstances)
			if time.Now().Before(entry.expires) {
				t.mu.Unlock()
				return entry.instances, nil
			}
			t.cache.Remove(topic)
		}
		t.mu.Unlock()
	}

	instances, err := t.registry.Discover(topic)
	if err != nil {
		return nil, fmt.Errorf("transport: discover %s: %w", topic, err)
	}
	if t.cacheTTL > 0 && len(instances) > 0 {
		t.mu.Lock()
		t.cache.Add(topic, cachedInstances{instances: instances, expires: time.Now().Add(t.cacheTTL)})
		t.mu.Unlock()
	}
	return instances, nil
}

// transport returns a pooled connection to addr. A dial failure evicts topic from the
// discovery cache so the next attempt sees fresh consumers.
func (t *TCPTransport) transport(ctx context.Context, addr, topic string) (*ClientTransport, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, rpcerr.ErrClosed
	}
	pool, ok := t.pools[addr]
	if !ok {
		pool = NewConnPool(addr, t.poolSize, t.dialTransport)
		t.pools[addr] = pool
	}
	t.mu.Unlock()

	ct, err := pool.Get(ctx)
	if err != nil {
		t.mu.Lock()
		t.cache.Remove(topic)
		t.mu.Unlock()
		return nil, err
	}
	return ct, nil
}

func (t *TCPTransport) dialTransport(ctx context.Context, addr string) (*ClientTransport, error) {
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("connected to responder", zap.String("addr", addr))
	return NewClientTransport(conn, t.codec, t.hbeat, t.logger), nil
}

func envelope(ctx context.Context, topic string, msg message.Message) (*codec.Envelope, error) {
	payload, err := json.Marshal(msg.Args)
	if err != nil {
		return nil, fmt.Errorf("transport: encode args: %w", err)
	}
	env := &codec.Envelope{
		Topic:   topic,
		Method:  msg.Method,
		Version: msg.Version,
		Payload: payload,
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		if env.Context, err = json.Marshal(rc.ToMap()); err != nil {
			return nil, fmt.Errorf("transport: encode context: %w", err)
		}
	}
	return env, nil
}

func decodeValue(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("transport: decode reply: %w", err)
	}
	return v, nil
}
