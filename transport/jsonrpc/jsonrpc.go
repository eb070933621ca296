// Package jsonrpc carries topic RPC over JSON-RPC 2.0 on HTTP.
//
// A Gateway exposes any rpc.Transport as the service "RPC" with one method per transport
// operation; Transport is the matching client, so a process without broker access can
// reach topics through a gateway.
package jsonrpc

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/rpc/v2/json2"

	"topic-rpc/codec"
	"topic-rpc/message"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
	"topic-rpc/rpcerr"
)

// ServiceName is the name the gateway registers its methods under.
const ServiceName = "RPC"

// CodeTimeout is the JSON-RPC error code of a call that got no reply in time.
const CodeTimeout json2.ErrorCode = -32001

// Request is the params object of every gateway method.
type Request struct {
	Topic     string                 `json:"topic"`
	Server    *rpc.ServerParams      `json:"server,omitempty"`
	Method    string                 `json:"method"`
	Version   string                 `json:"version,omitempty"`
	Args      message.Args           `json:"args"`
	TimeoutMS *int64                 `json:"timeout_ms,omitempty"`
	Context   *reqctx.RequestContext `json:"context,omitempty"`
}

func (r *Request) message() message.Message {
	args := r.Args
	if args == nil {
		args = message.Args{}
	}
	return message.Message{Method: r.Method, Args: args, Version: r.Version}
}

type CallReply struct {
	Result json.RawMessage `json:"result"`
}

// MultiCallReply holds every value the responders streamed. Failure is set when the
// stream ended in an error after Results.
type MultiCallReply struct {
	Results []json.RawMessage `json:"results"`
	Failure string            `json:"failure,omitempty"`
}

type CastReply struct{}

// toJSONError maps a transport error to the error object sent to the client.
func toJSONError(err error) error {
	var te *rpcerr.TimeoutError
	if errors.As(err, &te) {
		return &json2.Error{Code: CodeTimeout, Message: te.Info}
	}
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error(), Data: codec.EncodeFailure(err)}
}

// fromJSONError rebuilds the transport error behind a JSON-RPC error object.
func fromJSONError(err error) error {
	var je *json2.Error
	if !errors.As(err, &je) {
		return err
	}
	if je.Code == CodeTimeout {
		return rpcerr.NewTimeout(je.Message)
	}
	if failure, ok := je.Data.(string); ok && failure != "" {
		return codec.DecodeFailure(failure)
	}
	return &rpcerr.RemoteError{ExcType: "JSONRPCError", Value: je.Message}
}
