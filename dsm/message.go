package dsm

import (
	"encoding/binary"
	"fmt"
)

type MessageKind uint8

const (
	KindInvalidate MessageKind = iota + 1
	KindFetchRequest
	KindFetchResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindInvalidate:
		return "invalidate"
	case KindFetchRequest:
		return "fetch-request"
	case KindFetchResponse:
		return "fetch-response"
	}
	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

const (
	// MaxPayload bounds a FetchResponse payload; it covers the largest page
	// size in common use.
	MaxPayload = 1 << 16
	maxNodeID  = 255

	// kind, page, version, sender len, target len, payload len
	headerLen = 1 + 4 + 8 + 1 + 1 + 4
)

// Message is one coherence message on the region channel.
//
// Sender is the node that published it. Target is empty for messages meant
// for every node, otherwise only that node acts on it.
type Message struct {
	Kind    MessageKind
	Page    uint32
	Version uint64
	Sender  NodeID
	Target  NodeID
	Payload []byte
}

func Invalidate(page uint32, version uint64) Message {
	return Message{Kind: KindInvalidate, Page: page, Version: version}
}

func FetchRequest(page uint32, requester NodeID) Message {
	return Message{Kind: KindFetchRequest, Page: page, Sender: requester}
}

func FetchResponse(page uint32, version uint64, payload []byte) Message {
	return Message{Kind: KindFetchResponse, Page: page, Version: version, Payload: payload}
}

func (m Message) validate() error {
	switch m.Kind {
	case KindInvalidate, KindFetchRequest:
		if len(m.Payload) != 0 {
			return fmt.Errorf("%w: %s carries %d payload bytes", ErrProtocolDecode, m.Kind, len(m.Payload))
		}
	case KindFetchResponse:
		if len(m.Payload) > MaxPayload {
			return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrProtocolDecode, len(m.Payload), MaxPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrProtocolDecode, uint8(m.Kind))
	}
	if len(m.Sender) > maxNodeID || len(m.Target) > maxNodeID {
		return fmt.Errorf("%w: node id longer than %d bytes", ErrProtocolDecode, maxNodeID)
	}
	return nil
}

// Encode lays the message out as
//
//	kind u8 | page u32 | version u64 | senderLen u8 | sender |
//	targetLen u8 | target | payloadLen u32 | payload
//
// with integers in big-endian order.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, headerLen+len(m.Sender)+len(m.Target)+len(m.Payload))
	buf = append(buf, byte(m.Kind))
	buf = binary.BigEndian.AppendUint32(buf, m.Page)
	buf = binary.BigEndian.AppendUint64(buf, m.Version)
	buf = append(buf, byte(len(m.Sender)))
	buf = append(buf, m.Sender...)
	buf = append(buf, byte(len(m.Target)))
	buf = append(buf, m.Target...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

// Decode parses one encoded message. The buffer must hold exactly one
// message. A zero-length payload decodes as nil.
func Decode(b []byte) (Message, error) {
	var m Message
	r := reader{buf: b}

	m.Kind = MessageKind(r.u8())
	m.Page = r.u32()
	m.Version = r.u64()
	m.Sender = NodeID(r.bytes(int(r.u8())))
	m.Target = NodeID(r.bytes(int(r.u8())))
	n := r.u32()
	if r.err == nil && n > MaxPayload {
		return Message{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrProtocolDecode, n, MaxPayload)
	}
	if p := r.bytes(int(n)); len(p) > 0 {
		m.Payload = append([]byte(nil), p...)
	}
	if r.err != nil {
		return Message{}, r.err
	}
	if len(r.buf) != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrProtocolDecode, len(r.buf))
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// reader consumes a buffer front to back and remembers the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrProtocolDecode, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}
