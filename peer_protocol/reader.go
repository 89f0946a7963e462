package peer_protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads successive Messages off the wire, enforcing MaxMessageLength
// and handling keep-alives transparently as zero-length frames (spec.md
// §4.H).
type Decoder struct {
	r         io.Reader
	maxLength Integer
	buf       []byte
}

func NewDecoder(r io.Reader, maxLength Integer) *Decoder {
	if maxLength == 0 {
		maxLength = MaxMessageLength
	}
	return &Decoder{r: r, maxLength: maxLength}
}

// Decode reads one frame into msg, reusing msg's Piece/Bitfield/ExtendedPayload
// backing arrays where capacity allows, the way the teacher's reader avoids
// per-message allocation on the hot piece-receive path.
func (d *Decoder) Decode(msg *Message) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return err
	}
	length := Integer(binary.BigEndian.Uint32(lenBuf[:]))
	if length == 0 {
		*msg = Message{Keepalive: true}
		return nil
	}
	if length > d.maxLength {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, length, d.maxLength)
	}
	if Integer(cap(d.buf)) < length {
		d.buf = make([]byte, length)
	}
	body := d.buf[:length]
	if _, err := io.ReadFull(d.r, body); err != nil {
		return err
	}
	return unmarshalBody(body, msg)
}

func unmarshalBody(body []byte, msg *Message) error {
	*msg = Message{Type: MessageType(int8(body[0]))}
	rest := body[1:]
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(rest) != 0 {
			return fmt.Errorf("unexpected trailing bytes for %v", msg.Type)
		}
	case Have:
		if len(rest) != 4 {
			return fmt.Errorf("bad have message length %d", len(rest))
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest))
	case Bitfield:
		// Piece count isn't known at this layer; callers reinterpret the raw
		// bytes via UnmarshalBitfield once they know NumPieces.
		msg.Piece = append([]byte(nil), rest...)
	case Request, Cancel, Suggest, AllowedFast, Reject:
		if len(rest) != 12 {
			return fmt.Errorf("bad %v message length %d", msg.Type, len(rest))
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest[0:4]))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:8]))
		msg.Length = Integer(binary.BigEndian.Uint32(rest[8:12]))
	case Piece:
		if len(rest) < 8 {
			return fmt.Errorf("bad piece message length %d", len(rest))
		}
		msg.Index = Integer(binary.BigEndian.Uint32(rest[0:4]))
		msg.Begin = Integer(binary.BigEndian.Uint32(rest[4:8]))
		msg.Piece = append([]byte(nil), rest[8:]...)
	case Port:
		if len(rest) != 2 {
			return fmt.Errorf("bad port message length %d", len(rest))
		}
		msg.Port = binary.BigEndian.Uint16(rest)
	case Extended:
		if len(rest) < 1 {
			return fmt.Errorf("bad extended message length %d", len(rest))
		}
		msg.ExtendedID = ExtensionID(rest[0])
		msg.ExtendedPayload = append([]byte(nil), rest[1:]...)
	default:
		return fmt.Errorf("unknown message type: %d", int8(msg.Type))
	}
	return nil
}

// BitfieldFromPiece reinterprets a decoded Bitfield message's raw Piece bytes
// as a []bool of length numPieces. Called once the torrent's piece count is
// known, since the wire message itself carries no length.
func (msg *Message) BitfieldFromPiece(numPieces int) {
	msg.Bitfield = UnmarshalBitfield(msg.Piece, numPieces)
	msg.Piece = nil
}
