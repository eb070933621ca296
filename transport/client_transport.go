// Package transport implements the TCP client side of topic RPC.
//
// ClientTransport multiplexes concurrent calls over one TCP connection. Each call gets a
// sequence ID; a background goroutine (recvLoop) reads every frame and routes it to the
// call that owns the seq.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Cast(seq=3)──┘
//
//	recvLoop:  ←── Reply(seq=2) → pending[2] ← Reply, End → goroutine-2 wakes up
//
// TCPTransport builds the rpc.Transport on top: topic discovery, balancing, pooling.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/protocol"
	"topic-rpc/rpcerr"
)

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]*PendingCall
	sending sync.Mutex // serializes whole frames onto conn
	logger  *zap.Logger

	lastRecv atomic.Int64 // unix nanos of the last frame read
	done     chan struct{}
	closeErr error
	once     sync.Once
}

// NewClientTransport starts the receive loop and, when heartbeat > 0, a heartbeat loop
// that closes the connection after three silent intervals.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration, logger *zap.Logger) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		codec:  codecType,
		logger: logger,
		done:   make(chan struct{}),
	}
	t.lastRecv.Store(time.Now().UnixNano())
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Call sends env as a Call frame and returns the handle its replies arrive on.
func (t *ClientTransport) Call(env *codec.Envelope) (*PendingCall, error) {
	return t.send(protocol.MsgTypeCall, env)
}

// Cast sends env as a one-way Cast frame.
func (t *ClientTransport) Cast(env *codec.Envelope) error {
	_, err := t.send(protocol.MsgTypeCast, env)
	return err
}

func (t *ClientTransport) send(mt protocol.MsgType, env *codec.Envelope) (*PendingCall, error) {
	if t.Closed() {
		return nil, t.Err()
	}
	body, err := codec.GetCodec(t.codec).Encode(env)
	if err != nil {
		return nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	var pc *PendingCall
	if mt == protocol.MsgTypeCall {
		// registered before the write so recvLoop cannot miss a fast reply
		pc = newPendingCall(t, seq)
		t.pending.Store(seq, pc)
	}

	header := protocol.Header{CodecType: byte(t.codec), MsgType: mt, Seq: seq}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		if pc != nil {
			t.pending.Delete(seq)
		}
		t.close(err)
		return nil, err
	}
	return pc, nil
}

// recvLoop is the only reader of conn; frames must be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.close(err)
			return
		}
		t.lastRecv.Store(time.Now().UnixNano())

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		v, ok := t.pending.Load(header.Seq)
		if !ok {
			continue // abandoned call
		}
		pc := v.(*PendingCall)

		env := codec.Envelope{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env); err != nil {
			t.pending.Delete(header.Seq)
			pc.push(result{err: err, end: true})
			continue
		}
		switch header.MsgType {
		case protocol.MsgTypeReply:
			pc.push(result{payload: env.Payload})
		case protocol.MsgTypeEnd:
			t.pending.Delete(header.Seq)
			r := result{end: true}
			if env.Error != "" {
				r.err = codec.DecodeFailure(env.Error)
			}
			pc.push(r)
		}
	}
}

// close fails every pending call with err and closes the connection. Safe to call
// more than once; the first error wins.
func (t *ClientTransport) close(err error) {
	t.once.Do(func() {
		if err == nil {
			err = rpcerr.ErrClosed
		}
		t.closeErr = err
		close(t.done)
		t.conn.Close()
		t.pending.Range(func(key, value any) bool {
			value.(*PendingCall).push(result{err: err, end: true})
			return true
		})
		t.pending.Clear()
	})
}

func (t *ClientTransport) Close() error {
	t.close(rpcerr.ErrClosed)
	return nil
}

func (t *ClientTransport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	if !t.Closed() {
		return nil
	}
	return t.closeErr
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

var errHeartbeatTimeout = errors.New("transport: no heartbeat from server")

// heartbeatLoop keeps idle connections alive and detects dead peers: the server echoes
// each heartbeat, so three intervals without any frame mean the connection is gone.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if time.Since(time.Unix(0, t.lastRecv.Load())) > 3*interval {
			t.logger.Warn("closing silent connection", zap.Stringer("remote", t.conn.RemoteAddr()))
			t.close(errHeartbeatTimeout)
			return
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.close(err)
			return
		}
	}
}

type result struct {
	payload []byte
	err     error
	end     bool
}

// PendingCall receives the replies of one Call in arrival order. Replies are queued
// without bound so a slow reader never stalls the connection's receive loop.
type PendingCall struct {
	t   *ClientTransport
	seq uint32

	mu     sync.Mutex
	queue  []result
	notify chan struct{}
	ended  bool
}

func newPendingCall(t *ClientTransport, seq uint32) *PendingCall {
	return &PendingCall{t: t, seq: seq, notify: make(chan struct{}, 1)}
}

func (pc *PendingCall) push(r result) {
	pc.mu.Lock()
	if pc.ended {
		pc.mu.Unlock()
		return
	}
	pc.queue = append(pc.queue, r)
	if r.end {
		pc.ended = true
	}
	pc.mu.Unlock()

	select {
	case pc.notify <- struct{}{}:
	default:
	}
}

// Next returns the next reply payload. It returns ok=false once the responder has ended
// the stream; err carries the responder's failure or the connection's. A ctx that ends
// first abandons the call.
func (pc *PendingCall) Next(ctx context.Context) (payload []byte, ok bool, err error) {
	for {
		pc.mu.Lock()
		if len(pc.queue) > 0 {
			r := pc.queue[0]
			pc.queue = pc.queue[1:]
			pc.mu.Unlock()
			if r.end {
				return nil, false, r.err
			}
			return r.payload, true, nil
		}
		pc.mu.Unlock()

		select {
		case <-pc.notify:
		case <-ctx.Done():
			pc.Abandon()
			return nil, false, ctx.Err()
		}
	}
}

// Abandon stops routing replies to this call.
func (pc *PendingCall) Abandon() {
	pc.t.pending.Delete(pc.seq)
	pc.push(result{err: context.Canceled, end: true})
}
