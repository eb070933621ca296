package jsonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	gorpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
)

// Gateway serves the operations of a Transport as JSON-RPC methods RPC.Call, RPC.MultiCall,
// RPC.Cast, RPC.FanoutCast, RPC.CastToServer and RPC.FanoutCastToServer.
type Gateway struct {
	transport rpc.Transport
	logger    *zap.Logger
}

func NewGateway(transport rpc.Transport, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.L()
	}
	return &Gateway{transport: transport, logger: logger}
}

// NewHandler returns an http.Handler that serves g.
func NewHandler(g *Gateway) (http.Handler, error) {
	s := gorpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(g, ServiceName); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Gateway) context(r *http.Request, req *Request) context.Context {
	ctx := r.Context()
	if req.Context != nil {
		ctx = reqctx.NewContext(ctx, req.Context)
	}
	return ctx
}

func timeout(req *Request) *time.Duration {
	if req.TimeoutMS == nil {
		return nil
	}
	d := time.Duration(*req.TimeoutMS) * time.Millisecond
	return &d
}

func (g *Gateway) fail(op string, req *Request, err error) error {
	g.logger.Debug("gateway request failed",
		zap.String("op", op),
		zap.String("topic", req.Topic),
		zap.String("method", req.Method),
		zap.Error(err))
	return toJSONError(err)
}

func (g *Gateway) Call(r *http.Request, req *Request, reply *CallReply) error {
	result, err := g.transport.Call(g.context(r, req), req.Topic, req.message(), timeout(req))
	if err != nil {
		return g.fail("call", req, err)
	}
	if reply.Result, err = json.Marshal(result); err != nil {
		return g.fail("call", req, err)
	}
	return nil
}

func (g *Gateway) MultiCall(r *http.Request, req *Request, reply *MultiCallReply) error {
	seq, err := g.transport.MultiCall(g.context(r, req), req.Topic, req.message(), timeout(req))
	if err != nil {
		return g.fail("multicall", req, err)
	}
	reply.Results = []json.RawMessage{}
	for v, err := range seq {
		if err != nil {
			reply.Failure = codec.EncodeFailure(err)
			break
		}
		data, err := json.Marshal(v)
		if err != nil {
			reply.Failure = codec.EncodeFailure(err)
			break
		}
		reply.Results = append(reply.Results, data)
	}
	return nil
}

func (g *Gateway) Cast(r *http.Request, req *Request, reply *CastReply) error {
	if err := g.transport.Cast(g.context(r, req), req.Topic, req.message()); err != nil {
		return g.fail("cast", req, err)
	}
	return nil
}

func (g *Gateway) FanoutCast(r *http.Request, req *Request, reply *CastReply) error {
	if err := g.transport.FanoutCast(g.context(r, req), req.Topic, req.message()); err != nil {
		return g.fail("fanout_cast", req, err)
	}
	return nil
}

func (g *Gateway) CastToServer(r *http.Request, req *Request, reply *CastReply) error {
	if err := g.transport.CastToServer(g.context(r, req), req.Topic, serverParams(req), req.message()); err != nil {
		return g.fail("cast_to_server", req, err)
	}
	return nil
}

func (g *Gateway) FanoutCastToServer(r *http.Request, req *Request, reply *CastReply) error {
	if err := g.transport.FanoutCastToServer(g.context(r, req), req.Topic, serverParams(req), req.message()); err != nil {
		return g.fail("fanout_cast_to_server", req, err)
	}
	return nil
}

func serverParams(req *Request) rpc.ServerParams {
	if req.Server == nil {
		return rpc.ServerParams{}
	}
	return *req.Server
}
