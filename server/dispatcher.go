package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/blang/semver"

	"topic-rpc/message"
	"topic-rpc/rpcerr"
)

// DefaultVersion is assumed for messages that carry no version.
const DefaultVersion = "1.0"

var ErrNoSuchMethod = errors.New("no such RPC function")

// Stream is returned by a handler that answers a multicall with several values.
// A Call receives only the last value.
type Stream iter.Seq2[any, error]

// Values is a Stream over a fixed list of results.
func Values(vals ...any) Stream {
	return func(yield func(any, error) bool) {
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
	}
}

type endpoint struct {
	version  semver.Version
	handlers map[string]Handler
}

// Dispatcher routes a message to the first registered endpoint able to serve its version.
//
// An endpoint serving API version X.Y accepts requests for X.Z with Z <= Y. Endpoints are
// tried in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints []*endpoint
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register exposes rcvr's methods as an endpoint speaking version.
func (d *Dispatcher) Register(version string, rcvr any) error {
	handlers, err := serviceHandlers(rcvr)
	if err != nil {
		return err
	}
	return d.add(version, handlers)
}

// Handle exposes a single function as method of an endpoint speaking version.
// Calls with the same version extend one endpoint.
func (d *Dispatcher) Handle(version, method string, h Handler) error {
	return d.add(version, map[string]Handler{method: h})
}

func (d *Dispatcher) add(version string, handlers map[string]Handler) error {
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return fmt.Errorf("server: endpoint version %q: %w", version, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range d.endpoints {
		if ep.version.Equals(v) {
			for name, h := range handlers {
				ep.handlers[name] = h
			}
			return nil
		}
	}
	ep := &endpoint{version: v, handlers: make(map[string]Handler, len(handlers))}
	for name, h := range handlers {
		ep.handlers[name] = h
	}
	d.endpoints = append(d.endpoints, ep)
	return nil
}

// Dispatch runs the handler for msg. It fails with *rpcerr.UnsupportedVersionError when
// no endpoint is compatible, and ErrNoSuchMethod when compatible endpoints lack the method.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *message.Message) (any, error) {
	version := msg.Version
	if version == "" {
		version = DefaultVersion
	}
	want, err := semver.ParseTolerant(version)
	if err != nil {
		return nil, &rpcerr.UnsupportedVersionError{Version: version}
	}

	h, compatible := d.lookup(want, msg.Method)
	if h != nil {
		return h(ctx, msg.Args)
	}
	if compatible {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, msg.Method)
	}
	return nil, &rpcerr.UnsupportedVersionError{Version: version}
}

func (d *Dispatcher) lookup(want semver.Version, method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	compatible := false
	for _, ep := range d.endpoints {
		if ep.version.Major != want.Major || ep.version.Minor < want.Minor {
			continue
		}
		compatible = true
		if h, ok := ep.handlers[method]; ok {
			return h, true
		}
	}
	return nil, compatible
}
