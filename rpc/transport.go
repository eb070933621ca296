package rpc

import (
	"context"
	"iter"
	"time"

	"topic-rpc/message"
)

// ServerParams addresses one specific server for the *ToServer dispatch variants.
// Addr names a concrete endpoint; Host names the server whose topic.host queue
// should receive the message. Transports use whichever they can route on.
type ServerParams struct {
	Host string `json:"host,omitempty"`
	Addr string `json:"addr,omitempty"`
}

// Transport is the delivery collaborator behind a Proxy. Implementations own
// routing, serialization, deadlines and retries.
//
// A nil timeout means the caller did not ask for one; the transport applies its own
// policy. A transport that gives up waiting returns a *rpcerr.TimeoutError.
//
// A MultiCall sequence holds its reply slot until the responder ends the stream, the
// deadline passes or ctx is canceled. Callers that neither range over it nor set a
// deadline should cancel ctx to release it.
type Transport interface {
	Call(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (any, error)
	MultiCall(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (iter.Seq2[any, error], error)
	Cast(ctx context.Context, topic string, msg message.Message) error
	FanoutCast(ctx context.Context, topic string, msg message.Message) error
	CastToServer(ctx context.Context, topic string, server ServerParams, msg message.Message) error
	FanoutCastToServer(ctx context.Context, topic string, server ServerParams, msg message.Message) error
}
