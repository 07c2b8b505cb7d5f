// Package multiplexer implements the SniTun frame multiplexer: a
// length-prefixed, encrypted stream of NEW/DATA/CLOSE/PING frames carrying
// many independent channels over one TCP connection.
package multiplexer

import (
	"encoding/binary"
	"fmt"
)

// FlowType identifies the kind of a [Message].
type FlowType byte

const (
	FlowNew   FlowType = 0x01
	FlowData  FlowType = 0x02
	FlowClose FlowType = 0x04
	FlowPing  FlowType = 0x08
)

func (f FlowType) String() string {
	switch f {
	case FlowNew:
		return "NEW"
	case FlowData:
		return "DATA"
	case FlowClose:
		return "CLOSE"
	case FlowPing:
		return "PING"
	default:
		return fmt.Sprintf("FlowType(0x%02x)", byte(f))
	}
}

func (f FlowType) valid() bool {
	switch f {
	case FlowNew, FlowData, FlowClose, FlowPing:
		return true
	default:
		return false
	}
}

const (
	// HeaderSize is the fixed size, in bytes, of a frame header.
	HeaderSize = 32

	idOffset       = 0
	flowOffset     = 16
	lengthOffset   = 17
	reservedOffset = 21
	reservedSize   = 11

	// MaxDataLength is the largest payload [Decode] will accept. Frames
	// advertising a larger data_length are a protocol violation.
	MaxDataLength = 4 << 20 // 4 MiB
)

// pingPayload is the fixed payload sent with a PING frame: 4 zero bytes
// followed by the ASCII string "ping".
var pingPayload = [8]byte{0, 0, 0, 0, 'p', 'i', 'n', 'g'}

// Message is a single logical multiplexer frame.
type Message struct {
	ID   ChannelID
	Flow FlowType
	Data []byte
}

// NewMessage builds a NEW frame for id.
func NewMessage(id ChannelID) Message { return Message{ID: id, Flow: FlowNew} }

// CloseMessage builds a CLOSE frame for id.
func CloseMessage(id ChannelID) Message { return Message{ID: id, Flow: FlowClose} }

// DataMessage builds a DATA frame for id carrying data. data is not copied.
func DataMessage(id ChannelID, data []byte) Message {
	return Message{ID: id, Flow: FlowData, Data: data}
}

// PingMessage builds a PING frame. Its channel id is all-zero: PING is not
// addressed to a specific channel.
func PingMessage() Message {
	return Message{Flow: FlowPing, Data: pingPayload[:]}
}

// Encode appends the wire encoding of m to dst and returns the extended
// slice. The encoding is exactly HeaderSize+len(m.Data) bytes.
func Encode(dst []byte, m Message) []byte {
	var hdr [HeaderSize]byte
	copy(hdr[idOffset:], m.ID[:])
	hdr[flowOffset] = byte(m.Flow)
	binary.BigEndian.PutUint32(hdr[lengthOffset:], uint32(len(m.Data)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, m.Data...)
	return dst
}

// DecodeHeader parses the fixed HeaderSize-byte header in buf, returning the
// partially filled Message (Data unset) and the data length to read next.
// buf must be exactly HeaderSize bytes.
func DecodeHeader(buf []byte) (Message, int, error) {
	if len(buf) != HeaderSize {
		return Message{}, 0, fmt.Errorf("multiplexer: decode header: need %d bytes, got %d", HeaderSize, len(buf))
	}

	var m Message
	copy(m.ID[:], buf[idOffset:idOffset+ChannelIDSize])
	m.Flow = FlowType(buf[flowOffset])

	if !m.Flow.valid() {
		return Message{}, 0, &ProtocolError{fmt.Sprintf("unknown flow type 0x%02x", buf[flowOffset])}
	}

	length := binary.BigEndian.Uint32(buf[lengthOffset:])
	if length > MaxDataLength {
		return Message{}, 0, &ProtocolError{fmt.Sprintf("data_length %d exceeds maximum %d", length, MaxDataLength)}
	}

	switch m.Flow {
	case FlowNew, FlowData, FlowClose:
		if m.ID.IsZero() {
			return Message{}, 0, &ProtocolError{fmt.Sprintf("flow type %s requires a non-zero channel id", m.Flow)}
		}
	}

	return m, int(length), nil
}

// Decode parses a complete frame (header plus data) from buf. It is used by
// tests and by callers that already have the whole frame in memory; the
// multiplexer's reader loop instead uses [DecodeHeader] followed by a second
// read for the data bytes, since data typically arrives separately from the
// header on the wire.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, fmt.Errorf("multiplexer: decode: buffer shorter than header")
	}
	m, n, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return Message{}, err
	}
	if len(buf) != HeaderSize+n {
		return Message{}, fmt.Errorf("multiplexer: decode: expected %d data bytes, buffer has %d", n, len(buf)-HeaderSize)
	}
	if n > 0 {
		m.Data = append([]byte(nil), buf[HeaderSize:]...)
	}
	return m, nil
}
