package server

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/protocol"
)

// replyWriter answers one Call. It holds the connection's write lock per frame only, so
// replies of concurrent calls interleave frame by frame.
type replyWriter struct {
	conn   net.Conn
	mu     *sync.Mutex
	codec  codec.Codec
	seq    uint32
	logger *zap.Logger
}

// results writes a Reply frame per value: each element of a Stream, or result itself.
func (w *replyWriter) results(result any) (err error) {
	stream, ok := result.(Stream)
	if !ok {
		return w.reply(result)
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	for v, serr := range stream {
		if serr != nil {
			return serr
		}
		if err := w.reply(v); err != nil {
			return err
		}
	}
	return nil
}

func (w *replyWriter) reply(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: encode result: %w", err)
	}
	return w.write(protocol.MsgTypeReply, &codec.Envelope{Payload: payload})
}

// end terminates the reply stream, carrying err to the caller when non-nil.
func (w *replyWriter) end(err error) {
	env := &codec.Envelope{}
	if err != nil {
		env.Error = codec.EncodeFailure(err)
	}
	if werr := w.write(protocol.MsgTypeEnd, env); werr != nil {
		w.logger.Debug("failed to write end frame", zap.Uint32("seq", w.seq), zap.Error(werr))
	}
}

func (w *replyWriter) write(mt protocol.MsgType, env *codec.Envelope) error {
	body, err := w.codec.Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.Encode(w.conn, &protocol.Header{
		CodecType: byte(w.codec.Type()),
		MsgType:   mt,
		Seq:       w.seq,
	}, body)
}
