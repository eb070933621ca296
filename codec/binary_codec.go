package codec

import (
	"encoding/binary"
	"errors"
)

var (
	errNotEnvelope = errors.New("BinaryCodec: v must be *Envelope")
	errShortBuffer = errors.New("BinaryCodec: truncated envelope")
)

// BinaryCodec lays out an Envelope as length-prefixed fields, big-endian:
//
//	topic(2) method(2) version(2) context(4) payload(4) error(4)
//
// each length followed by that many bytes.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	total := 2 + len(env.Topic) + 2 + len(env.Method) + 2 + len(env.Version) +
		4 + len(env.Context) + 4 + len(env.Payload) + 4 + len(env.Error)
	buf := make([]byte, 0, total)

	buf = appendShort(buf, []byte(env.Topic))
	buf = appendShort(buf, []byte(env.Method))
	buf = appendShort(buf, []byte(env.Version))
	buf = appendLong(buf, env.Context)
	buf = appendLong(buf, env.Payload)
	buf = appendLong(buf, []byte(env.Error))
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return errNotEnvelope
	}
	r := reader{data: data}

	env.Topic = string(r.short())
	env.Method = string(r.short())
	env.Version = string(r.short())
	env.Context = r.long()
	env.Payload = r.long()
	env.Error = string(r.long())
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendShort(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func appendLong(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader walks a buffer and latches the first truncation error.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) short() []byte {
	l := r.take(2)
	if l == nil {
		return nil
	}
	return r.bytes(int(binary.BigEndian.Uint16(l)))
}

func (r *reader) long() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	return r.bytes(int(binary.BigEndian.Uint32(l)))
}

// bytes copies so the envelope does not alias the frame buffer.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
