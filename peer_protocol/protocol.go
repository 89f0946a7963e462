// Package peer_protocol implements the wire framing for the BitTorrent peer
// protocol: the 4-byte big-endian length prefix, 1-byte message id, and
// per-type payload layouts described in spec.md §4.H and §6.
package peer_protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Integer is the wire integer type: a 4-byte big-endian unsigned value, as
// used for piece indices, block offsets and lengths.
type Integer uint32

const IntegerMax = ^Integer(0)

func (i Integer) Int() int     { return int(i) }
func (i Integer) Int64() int64 { return int64(i) }

// MessageType identifies the one-byte id following the length prefix.
type MessageType int8

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	// Fast extension (BEP 6), referenced by spec.md's "allowed fast" notion.
	Suggest     MessageType = 13
	HaveAll     MessageType = 14
	HaveNone    MessageType = 15
	Reject      MessageType = 16
	AllowedFast MessageType = 17
	Extended    MessageType = 20

	// HandshakeExtension is not a framed message, it's a sentinel used
	// internally to identify the pseudo-message produced after a successful
	// BitTorrent handshake.
	HandshakeExtension MessageType = -1
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Suggest:
		return "suggest"
	case HaveAll:
		return "have all"
	case HaveNone:
		return "have none"
	case Reject:
		return "reject"
	case AllowedFast:
		return "allowed fast"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown message type %d", int8(t))
	}
}

// MaxBlockLength is the largest Length any Request or Piece block may claim:
// 2^17 bytes (spec.md §3 Piece).
const MaxBlockLength Integer = 1 << 17

// MaxMessageLength bounds the framed length prefix: a piece message carries
// the 9-byte request header (type + index + begin) plus at most
// MaxBlockLength bytes of payload (spec.md §4.H: "Length > 2^17 + 9 is
// fatal").
const MaxMessageLength Integer = MaxBlockLength + 9

// ExtensionName identifies an extension-protocol (id 20) sub-message by its
// negotiated handshake name.
type ExtensionName string

const (
	ExtensionNameHandshake ExtensionName = "handshake"
	ExtensionNameMetadata  ExtensionName = "ut_metadata"
)

// HandshakeExtendedID is the reserved extended-message id (0) for the
// handshake dictionary itself, as opposed to a negotiated extension id.
const HandshakeExtendedID ExtensionID = 0

type ExtensionID uint8

type ExtensionBits [8]byte

// SupportsExtended reports whether bit 20 (the "LTEP" extension-protocol
// bit, spec.md §6) is set in the 8-byte reserved handshake field.
func (eb ExtensionBits) SupportsExtended() bool {
	return eb[5]&0x10 != 0
}

func (eb *ExtensionBits) SetBit(bit uint, v bool) {
	byteIndex := 7 - bit/8
	mask := byte(1) << (bit % 8)
	if v {
		eb[byteIndex] |= mask
	} else {
		eb[byteIndex] &^= mask
	}
}

// ChunkSpec is a (begin, length) pair within a piece: the wire-level
// counterpart of spec.md's Piece/Block distinction.
type ChunkSpec struct {
	Begin, Length Integer
}

// BlockRequest addresses a single block: piece index plus the chunk within it.
type BlockRequest struct {
	Index Integer
	ChunkSpec
}

func (r BlockRequest) String() string {
	return fmt.Sprintf("piece %d, begin %d, length %d", r.Index, r.Begin, r.Length)
}

// Message is a single parsed or to-be-written peer wire message. Only the
// fields relevant to Type are meaningful; this mirrors the teacher's own
// pp.Message shape referenced throughout the kept root-package files.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length Integer
	Piece                []byte
	Bitfield             []bool
	ExtendedID           ExtensionID
	ExtendedPayload      []byte
	Port                 uint16
}

func (msg Message) RequestSpec() ChunkSpec {
	return ChunkSpec{msg.Begin, msg.Length}
}

func MakeCancelMessage(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

func RequestToMessage(t MessageType, r BlockRequest) Message {
	return Message{Type: t, Index: r.Index, Begin: r.Begin, Length: r.Length}
}

// MustMarshalBinary is a convenience for computing fixed lengths (e.g. the
// teacher's writeBufferHighWaterLen math derives from
// `pp.Message{Type: pp.Interested}.MustMarshalBinary()`).
func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	err = msg.WriteTo(&buf)
	return buf.Bytes(), err
}

// WriteTo writes the length-prefixed wire encoding of msg to w. Marshalling
// errors are returned before anything is written; the length prefix and the
// body are then written with two separate Write calls.
func (msg Message) WriteTo(w io.Writer) error {
	body, err := msg.marshalBody()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err = w.Write(body)
	return err
}

func (msg Message) marshalBody() ([]byte, error) {
	if msg.Keepalive {
		return nil, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Type))
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have:
		writeUint32(&buf, msg.Index)
	case Bitfield:
		buf.Write(marshalBitfield(msg.Bitfield))
	case Request, Cancel, Suggest, AllowedFast, Reject:
		writeUint32(&buf, msg.Index)
		writeUint32(&buf, msg.Begin)
		writeUint32(&buf, msg.Length)
	case Piece:
		writeUint32(&buf, msg.Index)
		writeUint32(&buf, msg.Begin)
		buf.Write(msg.Piece)
	case Port:
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], msg.Port)
		buf.Write(portBuf[:])
	case Extended:
		buf.WriteByte(byte(msg.ExtendedID))
		buf.Write(msg.ExtendedPayload)
	default:
		return nil, fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return buf.Bytes(), nil
}

func writeUint32(buf *bytes.Buffer, v Integer) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func marshalBitfield(bf []bool) []byte {
	b := make([]byte, (len(bf)+7)/8)
	for i, set := range bf {
		if set {
			b[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return b
}

// UnmarshalBitfield is the inverse of marshalBitfield, producing exactly
// numPieces booleans; trailing bits beyond numPieces in the last byte are
// discarded (spec.md §8: "Bitfield trailing bits beyond piece count must be
// zero after cleanup").
func UnmarshalBitfield(b []byte, numPieces int) []bool {
	ret := make([]bool, numPieces)
	for i := range ret {
		byteIndex := i / 8
		if byteIndex >= len(b) {
			break
		}
		ret[i] = b[byteIndex]&(0x80>>uint(i%8)) != 0
	}
	return ret
}

// ErrMessageTooLong is returned by the framing reader when a declared
// length exceeds MaxMessageLength (spec.md §4.H).
var ErrMessageTooLong = errors.New("peer_protocol: message length exceeds maximum")
