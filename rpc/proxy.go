// Package rpc implements the client proxy over a topic-addressed transport.
//
// A Proxy binds a default topic and API version. Each operation resolves per-call
// overrides, stamps the version on a copy of the message and hands it to the Transport:
//
//	Call / MultiCall            block for one / many replies, topic override honored
//	Cast / CastToServer         fire-and-forget to one consumer, topic override honored
//	FanoutCast / FanoutCast...  fire-and-forget to every consumer of the default topic
//
// The proxy holds no mutable state and performs no retries; errors come back as the
// transport returned them, except that timeouts are re-raised naming the resolved
// topic and the message method.
package rpc

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"go.uber.org/zap"

	"topic-rpc/lockutils"
	"topic-rpc/message"
	"topic-rpc/rpcerr"
)

// Proxy is an immutable client binding of a default topic and API version to a Transport.
// It is safe for concurrent use.
type Proxy struct {
	transport Transport
	topic     string
	version   string
	debug     bool
	logger    *zap.Logger
	locks     *lockutils.Registry
}

// NewProxy binds transport to a default topic and API version, e.g. NewProxy(t, "compute", "1.0").
func NewProxy(transport Transport, topic, version string, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		transport: transport,
		topic:     topic,
		version:   version,
		logger:    zap.L(),
		locks:     lockutils.Default,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Topic() string   { return p.topic }
func (p *Proxy) Version() string { return p.version }

func (p *Proxy) resolve(opts []CallOption) callOptions {
	o := callOptions{topic: p.topic, version: p.version}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Call sends msg and waits for a single return value.
func (p *Proxy) Call(ctx context.Context, msg message.Message, opts ...CallOption) (any, error) {
	o := p.resolve(opts)
	p.checkForLock(ctx, "call", o.topic, msg.Method)

	result, err := p.transport.Call(ctx, o.topic, msg.WithVersion(o.version), o.timeout)
	if err != nil {
		return nil, enrichTimeout(err, o.topic, msg.Method)
	}
	return result, nil
}

// MultiCall sends msg and returns the replies as a lazy, single-use sequence in
// arrival order. Ranging over it may block per element; a deadline that expires
// mid-traversal ends the sequence with a *rpcerr.TimeoutError.
func (p *Proxy) MultiCall(ctx context.Context, msg message.Message, opts ...CallOption) (iter.Seq2[any, error], error) {
	o := p.resolve(opts)
	p.checkForLock(ctx, "multicall", o.topic, msg.Method)

	replies, err := p.transport.MultiCall(ctx, o.topic, msg.WithVersion(o.version), o.timeout)
	if err != nil {
		return nil, enrichTimeout(err, o.topic, msg.Method)
	}

	var used atomic.Bool
	return func(yield func(any, error) bool) {
		if used.Swap(true) {
			return
		}
		for v, err := range replies {
			if err != nil {
				yield(nil, enrichTimeout(err, o.topic, msg.Method))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}, nil
}

// Cast sends msg to one consumer of the topic without waiting for a result.
func (p *Proxy) Cast(ctx context.Context, msg message.Message, opts ...CallOption) error {
	o := p.resolve(opts)
	return p.transport.Cast(ctx, o.topic, msg.WithVersion(o.version))
}

// FanoutCast sends msg to every consumer of the proxy's topic. A WithTopic option
// is accepted and ignored: fanout is scoped to the bound topic.
func (p *Proxy) FanoutCast(ctx context.Context, msg message.Message, opts ...CallOption) error {
	o := p.resolve(opts)
	return p.transport.FanoutCast(ctx, p.topic, msg.WithVersion(o.version))
}

// CastToServer sends msg to the topic on one specific server.
func (p *Proxy) CastToServer(ctx context.Context, server ServerParams, msg message.Message, opts ...CallOption) error {
	o := p.resolve(opts)
	return p.transport.CastToServer(ctx, o.topic, server, msg.WithVersion(o.version))
}

// FanoutCastToServer broadcasts msg on the proxy's topic of one specific server.
// Like FanoutCast, it ignores WithTopic.
func (p *Proxy) FanoutCastToServer(ctx context.Context, server ServerParams, msg message.Message, opts ...CallOption) error {
	o := p.resolve(opts)
	return p.transport.FanoutCastToServer(ctx, p.topic, server, msg.WithVersion(o.version))
}

func (p *Proxy) checkForLock(ctx context.Context, op, topic, method string) bool {
	return checkForLock(ctx, p.locks, p.debug, p.logger,
		zap.String("op", op),
		zap.String("topic", topic),
		zap.String("method", method),
	)
}

func enrichTimeout(err error, topic, method string) error {
	var te *rpcerr.TimeoutError
	if !errors.As(err, &te) {
		return err
	}
	return &rpcerr.TimeoutError{Info: te.Info, Topic: topic, Method: method}
}
