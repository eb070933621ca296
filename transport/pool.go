package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"topic-rpc/rpcerr"
)

// ConnPool holds up to maxConns multiplexed transports to one address. Transports are
// shared, not borrowed: Get hands them out round-robin, dialing lazily and replacing
// any that have closed.
type ConnPool struct {
	mu       sync.Mutex
	addr     string
	conns    []*ClientTransport
	maxConns int
	next     atomic.Uint32
	factory  func(ctx context.Context, addr string) (*ClientTransport, error)
	closed   bool
}

func NewConnPool(addr string, maxConns int, factory func(ctx context.Context, addr string) (*ClientTransport, error)) *ConnPool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &ConnPool{
		addr:     addr,
		conns:    make([]*ClientTransport, maxConns),
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get returns the transport in the next slot, dialing it if the slot is empty or dead.
func (p *ConnPool) Get(ctx context.Context) (*ClientTransport, error) {
	slot := int(p.next.Add(1) % uint32(p.maxConns))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, rpcerr.ErrClosed
	}
	if ct := p.conns[slot]; ct != nil && !ct.Closed() {
		return ct, nil
	}

	ct, err := p.factory(ctx, p.addr)
	if err != nil {
		return nil, err
	}
	p.conns[slot] = ct
	return ct, nil
}

// Len reports how many live transports the pool holds.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ct := range p.conns {
		if ct != nil && !ct.Closed() {
			n++
		}
	}
	return n
}

// Close closes every transport; pending calls fail with rpcerr.ErrClosed.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for i, ct := range p.conns {
		if ct != nil {
			ct.Close()
			p.conns[i] = nil
		}
	}
	return nil
}
