package rpc

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"topic-rpc/lockutils"
	"topic-rpc/message"
	"topic-rpc/reqctx"
	"topic-rpc/rpcerr"
)

// fakeTransport records the arguments of the last dispatch, in transport order.
type fakeTransport struct {
	mu       sync.Mutex
	op       string
	args     []any
	retval   any
	err      error
	replyErr error
	onCall   func(ctx context.Context)
}

func (f *fakeTransport) record(ctx context.Context, op string, args ...any) {
	if f.onCall != nil {
		f.onCall(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.op = op
	f.args = args
}

func (f *fakeTransport) Call(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (any, error) {
	f.record(ctx, "call", ctx, topic, msg, timeout)
	if f.err != nil {
		return nil, f.err
	}
	return f.retval, nil
}

func (f *fakeTransport) MultiCall(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (iter.Seq2[any, error], error) {
	f.record(ctx, "multicall", ctx, topic, msg, timeout)
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(any, error) bool) {
		if !yield(f.retval, nil) {
			return
		}
		if f.replyErr != nil {
			yield(nil, f.replyErr)
		}
	}, nil
}

func (f *fakeTransport) Cast(ctx context.Context, topic string, msg message.Message) error {
	f.record(ctx, "cast", ctx, topic, msg)
	return f.err
}

func (f *fakeTransport) FanoutCast(ctx context.Context, topic string, msg message.Message) error {
	f.record(ctx, "fanout_cast", ctx, topic, msg)
	return f.err
}

func (f *fakeTransport) CastToServer(ctx context.Context, topic string, server ServerParams, msg message.Message) error {
	f.record(ctx, "cast_to_server", ctx, topic, server, msg)
	return f.err
}

func (f *fakeTransport) FanoutCastToServer(ctx context.Context, topic string, server ServerParams, msg message.Message) error {
	f.record(ctx, "fanout_cast_to_server", ctx, topic, server, msg)
	return f.err
}

type rpcMethod struct {
	name                  string
	hasTimeout            bool
	hasRetval             bool
	server                *ServerParams
	supportsTopicOverride bool
	invoke                func(p *Proxy, ctx context.Context, server *ServerParams, msg message.Message, opts ...CallOption) (any, error)
}

func collect(seq iter.Seq2[any, error]) ([]any, error) {
	var out []any
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

var rpcMethods = []rpcMethod{
	{
		name: "call", hasTimeout: true, hasRetval: true, supportsTopicOverride: true,
		invoke: func(p *Proxy, ctx context.Context, _ *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			return p.Call(ctx, msg, opts...)
		},
	},
	{
		name: "multicall", hasTimeout: true, hasRetval: true, supportsTopicOverride: true,
		invoke: func(p *Proxy, ctx context.Context, _ *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			seq, err := p.MultiCall(ctx, msg, opts...)
			if err != nil {
				return nil, err
			}
			return collect(seq)
		},
	},
	{
		name: "cast", supportsTopicOverride: true,
		invoke: func(p *Proxy, ctx context.Context, _ *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			return nil, p.Cast(ctx, msg, opts...)
		},
	},
	{
		name: "fanout_cast", supportsTopicOverride: false,
		invoke: func(p *Proxy, ctx context.Context, _ *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			return nil, p.FanoutCast(ctx, msg, opts...)
		},
	},
	{
		name: "cast_to_server", server: &ServerParams{Host: "blah"}, supportsTopicOverride: true,
		invoke: func(p *Proxy, ctx context.Context, server *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			return nil, p.CastToServer(ctx, *server, msg, opts...)
		},
	},
	{
		name: "fanout_cast_to_server", server: &ServerParams{Host: "blah"}, supportsTopicOverride: false,
		invoke: func(p *Proxy, ctx context.Context, server *ServerParams, msg message.Message, opts ...CallOption) (any, error) {
			return nil, p.FanoutCastToServer(ctx, *server, msg, opts...)
		},
	},
}

func TestProxyMethods(t *testing.T) {
	for _, m := range rpcMethods {
		t.Run(m.name, func(t *testing.T) {
			testRPCMethod(t, m)
		})
	}
}

func testRPCMethod(t *testing.T, m rpcMethod) {
	const topic = "fake_topic"
	ft := &fakeTransport{}
	if m.hasRetval {
		ft.retval = "hi"
	}
	proxy := NewProxy(ft, topic, "1.0")
	ctx := reqctx.NewContext(context.Background(), reqctx.New("fake_user", "fake_project"))
	msg := message.Message{Method: "fake_method", Args: message.Args{"x": "y"}}
	expectedMsg := message.Message{Method: "fake_method", Args: message.Args{"x": "y"}, Version: "1.0"}

	var expectedRetval any
	if m.hasRetval {
		expectedRetval = "hi"
		if m.name == "multicall" {
			expectedRetval = []any{"hi"}
		}
	}

	checkArgs := func(topic string, msg message.Message, timeout *time.Duration) {
		t.Helper()
		if ft.op != m.name {
			t.Fatalf("expect transport %s, got %s", m.name, ft.op)
		}
		expected := []any{ctx, topic}
		if m.server != nil {
			expected = append(expected, *m.server)
		}
		expected = append(expected, msg)
		if m.hasTimeout {
			expected = append(expected, timeout)
		}
		if !reflect.DeepEqual(expected, ft.args) {
			t.Fatalf("transport args mismatch:\n got  %#v\n want %#v", ft.args, expected)
		}
	}

	// Base method usage
	retval, err := m.invoke(proxy, ctx, m.server, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(retval, expectedRetval) {
		t.Fatalf("got %#v, want %#v", retval, expectedRetval)
	}
	checkArgs(topic, expectedMsg, nil)
	if msg.Version != "" {
		t.Fatal("caller's message was mutated")
	}

	// Overriding the version
	retval, err = m.invoke(proxy, ctx, m.server, msg, WithVersion("1.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(retval, expectedRetval) {
		t.Fatalf("got %#v, want %#v", retval, expectedRetval)
	}
	checkArgs(topic, expectedMsg.WithVersion("1.1"), nil)

	// Empty overrides keep the defaults
	retval, err = m.invoke(proxy, ctx, m.server, msg, WithVersion(""), WithTopic(""))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(retval, expectedRetval) {
		t.Fatalf("got %#v, want %#v", retval, expectedRetval)
	}
	checkArgs(topic, expectedMsg, nil)

	if m.hasTimeout {
		timeout := 42 * time.Second
		retval, err = m.invoke(proxy, ctx, m.server, msg, WithTimeout(timeout))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(retval, expectedRetval) {
			t.Fatalf("got %#v, want %#v", retval, expectedRetval)
		}
		checkArgs(topic, expectedMsg, &timeout)

		// Make it time out and check the error is written as expected
		ft.err = rpcerr.NewTimeout("The spider got you")
		_, err = m.invoke(proxy, ctx, m.server, msg, WithTimeout(timeout))
		var te *rpcerr.TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expect TimeoutError, got %v", err)
		}
		if te.Info != "The spider got you" || te.Topic != "fake_topic" || te.Method != "fake_method" {
			t.Fatalf("unexpected timeout fields: %+v", te)
		}
		want := `Timeout while waiting on RPC response - topic: "fake_topic", RPC method: "fake_method" info: "The spider got you"`
		if err.Error() != want {
			t.Fatalf("got %q\nwant %q", err.Error(), want)
		}
		checkArgs(topic, expectedMsg, &timeout)
		ft.err = nil
	}

	// Set a topic
	const newTopic = "foo.bar"
	retval, err = m.invoke(proxy, ctx, m.server, msg, WithTopic(newTopic))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(retval, expectedRetval) {
		t.Fatalf("got %#v, want %#v", retval, expectedRetval)
	}
	if m.supportsTopicOverride {
		checkArgs(newTopic, expectedMsg, nil)
	} else {
		checkArgs(topic, expectedMsg, nil)
	}
}

func TestProxyTransportErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection reset")
	for _, m := range rpcMethods {
		ft := &fakeTransport{err: boom}
		proxy := NewProxy(ft, "fake_topic", "1.0")
		msg, _ := message.MakeMsg("fake_method", nil)
		_, err := m.invoke(proxy, context.Background(), m.server, msg)
		if err != boom {
			t.Fatalf("%s: expect the transport error unchanged, got %v", m.name, err)
		}
	}
}

func TestMultiCallTimeoutMidTraversal(t *testing.T) {
	ft := &fakeTransport{retval: "first", replyErr: rpcerr.NewTimeout("second reply never came")}
	proxy := NewProxy(ft, "fake_topic", "1.0")
	msg, _ := message.MakeMsg("fake_method", nil)

	seq, err := proxy.MultiCall(context.Background(), msg, WithTopic("other"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := collect(seq)
	if !reflect.DeepEqual(got, []any{"first"}) {
		t.Fatalf("expect first reply before the timeout, got %v", got)
	}
	var te *rpcerr.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expect TimeoutError, got %v", err)
	}
	if te.Topic != "other" || te.Method != "fake_method" || te.Info != "second reply never came" {
		t.Fatalf("unexpected timeout fields: %+v", te)
	}
}

func TestMultiCallSingleUse(t *testing.T) {
	ft := &fakeTransport{retval: "hi"}
	proxy := NewProxy(ft, "fake_topic", "1.0")
	msg, _ := message.MakeMsg("fake_method", nil)

	seq, err := proxy.MultiCall(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := collect(seq)
	second, _ := collect(seq)
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("expect one traversal only, got %v then %v", first, second)
	}
}

func TestMultiCallWithLockHeld(t *testing.T) {
	locks := lockutils.NewRegistry()
	if checkForLock(context.Background(), locks, true, zap.NewNop()) {
		t.Fatal("expect no lock held")
	}

	err := locks.Synchronized(context.Background(), "detecting", "test-", func(ctx context.Context) error {
		if !checkForLock(ctx, locks, true, zap.NewNop()) {
			t.Error("expect lock held inside critical section")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if checkForLock(context.Background(), locks, true, zap.NewNop()) {
		t.Fatal("expect no lock held after release")
	}
}

func TestProxyWarnsWhenLockHeld(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	locks := lockutils.NewRegistry()
	ft := &fakeTransport{retval: "hi"}
	proxy := NewProxy(ft, "fake_topic", "1.0",
		WithLogger(zap.New(core)), WithDebug(true), WithLockRegistry(locks))
	msg, _ := message.MakeMsg("fake_method", nil)

	if _, err := proxy.Call(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expect no warning without a lock, got %d", logs.Len())
	}

	err := locks.Synchronized(context.Background(), "detecting", "test-", func(ctx context.Context) error {
		_, err := proxy.Call(ctx, msg)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	entries := logs.TakeAll()
	if len(entries) != 1 {
		t.Fatalf("expect exactly one warning, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != "fake_method" || fields["topic"] != "fake_topic" {
		t.Fatalf("warning does not identify the call: %v", fields)
	}

	// Casts never block, so they are not checked.
	locks.Synchronized(context.Background(), "detecting", "test-", func(ctx context.Context) error {
		return proxy.Cast(ctx, msg)
	})
	if logs.Len() != 0 {
		t.Fatalf("expect no warning for cast, got %d", logs.Len())
	}
}

func TestProxyWithoutDebugDoesNotWarn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	locks := lockutils.NewRegistry()
	proxy := NewProxy(&fakeTransport{}, "fake_topic", "1.0", WithLogger(zap.New(core)), WithLockRegistry(locks))
	msg, _ := message.MakeMsg("fake_method", nil)

	locks.Synchronized(context.Background(), "detecting", "test-", func(ctx context.Context) error {
		_, err := proxy.Call(ctx, msg)
		return err
	})
	if logs.Len() != 0 {
		t.Fatalf("expect no warning with debug off, got %d", logs.Len())
	}
}

func TestProxyConcurrentCalls(t *testing.T) {
	ft := &fakeTransport{retval: "hi"}
	proxy := NewProxy(ft, "fake_topic", "1.0")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _ := message.MakeMsg("fake_method", message.Args{"x": "y"})
			if _, err := proxy.Call(context.Background(), msg, WithVersion("1.1")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if proxy.Topic() != "fake_topic" || proxy.Version() != "1.0" {
		t.Fatalf("proxy defaults changed: %s %s", proxy.Topic(), proxy.Version())
	}
}
