package rpc

import (
	"time"

	"go.uber.org/zap"

	"topic-rpc/lockutils"
)

// ProxyOption configures a Proxy at construction time.
type ProxyOption func(*Proxy)

// WithLogger sets the logger for held-lock warnings. It defaults to zap.L().
func WithLogger(logger *zap.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = logger }
}

// WithDebug enables the held-lock warning before blocking calls.
func WithDebug(debug bool) ProxyOption {
	return func(p *Proxy) { p.debug = debug }
}

// WithLockRegistry points the held-lock check at a registry other than lockutils.Default.
func WithLockRegistry(r *lockutils.Registry) ProxyOption {
	return func(p *Proxy) { p.locks = r }
}

type callOptions struct {
	topic   string
	version string
	timeout *time.Duration
}

// CallOption overrides a proxy default for a single dispatch.
type CallOption func(*callOptions)

// WithTopic routes a single call to topic. Fanout variants ignore it, and an empty
// topic keeps the proxy's default.
func WithTopic(topic string) CallOption {
	return func(o *callOptions) {
		if topic != "" {
			o.topic = topic
		}
	}
}

// WithVersion pins the API version stamped on the message. An empty version keeps the
// proxy's default.
func WithVersion(version string) CallOption {
	return func(o *callOptions) {
		if version != "" {
			o.version = version
		}
	}
}

// WithTimeout bounds how long Call and MultiCall wait. Cast variants ignore it.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = &d }
}
