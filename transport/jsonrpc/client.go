package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/message"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
	"topic-rpc/rpcerr"
)

var _ rpc.Transport = (*Transport)(nil)

// Transport sends every operation to a Gateway.
type Transport struct {
	url     string
	client  *http.Client
	timeout time.Duration
	grace   time.Duration
	logger  *zap.Logger
}

type Option func(*Transport)

func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithResponseTimeout bounds calls made without an explicit timeout. The gateway applies
// its own transport's policy to those, so this only limits the HTTP exchange.
func WithResponseTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport returns a Transport posting to the gateway at url.
func NewTransport(url string, opts ...Option) *Transport {
	t := &Transport{
		url:     url,
		client:  http.DefaultClient,
		timeout: 60 * time.Second,
		grace:   5 * time.Second,
		logger:  zap.L(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Call(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (any, error) {
	var reply CallReply
	if err := t.do(ctx, "Call", t.request(ctx, topic, nil, msg, timeout), timeout, &reply); err != nil {
		return nil, err
	}
	return decode(reply.Result)
}

// MultiCall fetches every reply in one exchange; the returned sequence replays them.
func (t *Transport) MultiCall(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (iter.Seq2[any, error], error) {
	var reply MultiCallReply
	if err := t.do(ctx, "MultiCall", t.request(ctx, topic, nil, msg, timeout), timeout, &reply); err != nil {
		return nil, err
	}
	return func(yield func(any, error) bool) {
		for _, raw := range reply.Results {
			v, err := decode(raw)
			if !yield(v, err) || err != nil {
				return
			}
		}
		if reply.Failure != "" {
			yield(nil, codec.DecodeFailure(reply.Failure))
		}
	}, nil
}

func (t *Transport) Cast(ctx context.Context, topic string, msg message.Message) error {
	return t.do(ctx, "Cast", t.request(ctx, topic, nil, msg, nil), nil, &CastReply{})
}

func (t *Transport) FanoutCast(ctx context.Context, topic string, msg message.Message) error {
	return t.do(ctx, "FanoutCast", t.request(ctx, topic, nil, msg, nil), nil, &CastReply{})
}

func (t *Transport) CastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	return t.do(ctx, "CastToServer", t.request(ctx, topic, &server, msg, nil), nil, &CastReply{})
}

func (t *Transport) FanoutCastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	return t.do(ctx, "FanoutCastToServer", t.request(ctx, topic, &server, msg, nil), nil, &CastReply{})
}

func (t *Transport) request(ctx context.Context, topic string, server *rpc.ServerParams, msg message.Message, timeout *time.Duration) *Request {
	req := &Request{
		Topic:   topic,
		Server:  server,
		Method:  msg.Method,
		Version: msg.Version,
		Args:    msg.Args,
	}
	if timeout != nil {
		ms := timeout.Milliseconds()
		req.TimeoutMS = &ms
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		req.Context = rc
	}
	return req
}

func (t *Transport) do(ctx context.Context, op string, req *Request, timeout *time.Duration, reply any) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+op, req)
	if err != nil {
		return fmt.Errorf("jsonrpc: encode request: %w", err)
	}

	d := t.timeout
	if timeout != nil {
		d = *timeout
	}
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d+t.grace)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jsonrpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return rpcerr.NewTimeout(fmt.Sprintf("no reply from gateway within %s", d))
		}
		return fmt.Errorf("jsonrpc: %s: %w", op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// method errors may arrive with 400 and a JSON-RPC error body
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jsonrpc: %s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		t.logger.Debug("gateway returned error", zap.String("op", op), zap.String("topic", req.Topic), zap.Error(err))
		return fromJSONError(err)
	}
	return nil
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode result: %w", err)
	}
	return v, nil
}
