// Package protocol implements the binary frame protocol spoken between the TCP
// transport and responders.
//
// A fixed-size 14-byte header is followed by a variable-length body. The receiver reads
// the header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ trp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A Call is answered by zero or more Reply frames and exactly one End frame carrying the
// same seq. A Cast is never answered.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "trp" (topic rpc).
// Rejects non-protocol connections such as HTTP clients hitting the wrong port.
const (
	MagicNumber byte = 0x74 // 't'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single frame.
	MaxBodyLen uint32 = 16 << 20
)

type MsgType byte

const (
	MsgTypeCall      MsgType = 0 // proxy → responder, expects Reply* End
	MsgTypeCast      MsgType = 1 // proxy → responder, one-way
	MsgTypeReply     MsgType = 2 // responder → proxy, one result value
	MsgTypeEnd       MsgType = 3 // responder → proxy, end of replies; body may carry a failure
	MsgTypeHeartbeat MsgType = 4 // keepalive probe, echoed back with an empty body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeCall:
		return "call"
	case MsgTypeCast:
		return "cast"
	case MsgTypeReply:
		return "reply"
	case MsgTypeEnd:
		return "end"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

type Header struct {
	CodecType byte    // 0=JSON, 1=Binary
	MsgType   MsgType // Call, Cast, Reply, End or Heartbeat
	Seq       uint32  // matches replies to the call that produced them
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from body.
// Callers sharing w between goroutines must serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	h.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	// one write per frame keeps frames whole on unbuffered connections
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r, validating magic number,
// version, codec type, message type and body size.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
