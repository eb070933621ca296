// Package server implements the responder: it consumes a topic over TCP, dispatches each
// message to a versioned endpoint, and streams results back to the caller.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each Call/Cast: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → Dispatcher → Reply* End
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/message"
	"topic-rpc/middleware"
	"topic-rpc/protocol"
	"topic-rpc/registry"
	"topic-rpc/reqctx"
	"topic-rpc/rpcerr"
)

// Server consumes topic, and topic.host when a host is set.
type Server struct {
	topic      string
	host       string
	dispatcher *Dispatcher

	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests, awaited by Shutdown
	shutdown    atomic.Bool    // set before the listener closes so Serve returns nil
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	registry      registry.Registry // nil disables registration
	ttl           int64
	advertiseAddr string // address registered for this server, routable by clients

	logger *zap.Logger

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHost also consumes topic.host, for messages addressed to this server.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithRegistry announces the server's topics in reg, renewed every ttl seconds.
func WithRegistry(reg registry.Registry, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.ttl = ttl
	}
}

func NewServer(topic string, opts ...Option) *Server {
	s := &Server{
		topic:      topic,
		dispatcher: NewDispatcher(),
		logger:     zap.L(),
		ttl:        10,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes rcvr's methods as an endpoint speaking version.
func (svr *Server) Register(version string, rcvr any) error {
	return svr.dispatcher.Register(version, rcvr)
}

func (svr *Server) Handle(version, method string, h Handler) error {
	return svr.dispatcher.Handle(version, method, h)
}

// Use registers a middleware. Middlewares apply in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Topics lists the topics this server consumes.
func (svr *Server) Topics() []string {
	if svr.host == "" {
		return []string{svr.topic}
	}
	return []string{svr.topic, registry.HostTopic(svr.topic, svr.host)}
}

// Serve listens on address and serves until Shutdown. advertiseAddr is the address
// registered for clients; it differs from a wildcard listen address like ":8080".
func (svr *Server) Serve(network, address, advertiseAddr string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr)
}

// ServeListener serves on an existing listener. An empty advertiseAddr registers the
// listener's own address.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string) error {
	svr.listener = listener
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr

	// Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if svr.registry != nil {
		for _, topic := range svr.Topics() {
			err := svr.registry.Register(topic, registry.ServiceInstance{
				Addr:   advertiseAddr,
				Host:   svr.host,
				Weight: 10,
			}, svr.ttl)
			if err != nil {
				listener.Close()
				return fmt.Errorf("server: register %s: %w", topic, err)
			}
		}
	}
	svr.logger.Info("serving topics", zap.Strings("topics", svr.Topics()), zap.String("addr", advertiseAddr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.track(conn, true)
		go svr.handleConn(conn)
	}
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames sequentially and dispatches each request to its own goroutine.
// All writers on the connection share writeMu so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			protocol.Encode(conn, &protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeHeartbeat, Seq: header.Seq}, nil)
			writeMu.Unlock()
		case protocol.MsgTypeCall, protocol.MsgTypeCast:
			svr.wg.Add(1)
			go svr.handleRequest(header, body, conn, writeMu)
		default:
			svr.logger.Warn("unexpected frame from client", zap.Stringer("type", header.MsgType))
		}
	}
}

// handleRequest decodes one envelope, runs the middleware chain and, for a Call, writes
// each result as a Reply frame followed by an End frame.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	w := &replyWriter{conn: conn, mu: writeMu, codec: c, seq: header.Seq, logger: svr.logger}
	isCall := header.MsgType == protocol.MsgTypeCall

	env := codec.Envelope{}
	if err := c.Decode(body, &env); err != nil {
		if isCall {
			w.end(fmt.Errorf("server: decode envelope: %w", err))
		}
		return
	}

	ctx, msg, err := svr.unpack(&env)
	if err == nil {
		var result any
		result, err = svr.handler(ctx, msg)
		if err == nil && isCall {
			err = w.results(result)
		}
	}

	if !isCall {
		if err != nil {
			svr.logger.Warn("cast failed", zap.String("topic", env.Topic), zap.String("method", env.Method), zap.Error(err))
		}
		return
	}
	w.end(err)
}

func (svr *Server) unpack(env *codec.Envelope) (context.Context, *message.Message, error) {
	if !svr.consumes(env.Topic) {
		return nil, nil, fmt.Errorf("server: topic %q is not consumed here", env.Topic)
	}

	ctx := context.Background()
	if len(env.Context) > 0 {
		var packed map[string]any
		if err := json.Unmarshal(env.Context, &packed); err != nil {
			return nil, nil, fmt.Errorf("server: decode context: %w", err)
		}
		ctx = reqctx.NewContext(ctx, reqctx.FromMap(packed))
	}

	msg := &message.Message{Method: env.Method, Version: env.Version, Args: message.Args{}}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &msg.Args); err != nil {
			return nil, nil, fmt.Errorf("server: decode args: %w", err)
		}
	}
	return ctx, msg, nil
}

func (svr *Server) consumes(topic string) bool {
	for _, t := range svr.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// businessHandler is the innermost HandlerFunc. A panicking handler is reported to the
// caller as a RemoteError instead of taking the server down.
func (svr *Server) businessHandler(ctx context.Context, msg *message.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			svr.logger.Error("handler panicked", zap.String("method", msg.Method), zap.Any("panic", r))
		}
	}()
	return svr.dispatcher.Dispatch(ctx, msg)
}

func panicError(r any) error {
	return &rpcerr.RemoteError{ExcType: "panic", Value: fmt.Sprint(r), Traceback: string(debug.Stack())}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop routing here
//  2. Set the shutdown flag and close the listener
//  3. Wait for in-flight requests, up to timeout
//  4. Close the remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		for _, topic := range svr.Topics() {
			if err := svr.registry.Deregister(topic, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()
	return err
}
