package mesh

import (
	"encoding/binary"
	"errors"
)

// frameControlAction is the 802.11 Frame Control field value for an
// action frame, which the protocol repurposes to carry mesh payloads.
const frameControlAction = 0x00d0

// wifiHeaderSize is the on-wire size of the cut-down 802.11 header this
// protocol uses: no BSSID, and a widened 4-byte sequence number carried
// in the packet payload rather than reusing the 802.11 SequenceControl
// field (which stays present, unused, for frame-format compatibility).
const wifiHeaderSize = 24

// MessageType identifies the kind of payload a Frame carries.
type MessageType uint8

const (
	MsgConnectRequest MessageType = 0x60
	MsgConnHandshake  MessageType = 0x61
	MsgConnected      MessageType = 0x62
	MsgMessage        MessageType = 0x63
	MsgMessageAck     MessageType = 0x64
	MsgPing           MessageType = 0x65
	MsgPingAck        MessageType = 0x66
	MsgDisconnect     MessageType = 0x67
	MsgDisconnectAck  MessageType = 0x68
)

// isMeshType reports whether t falls in the range of message types this
// protocol dispatches on. The original firmware tested the high nibble
// of the type byte (Type & 0xF0 == 0x60), a looser check than the exact
// literal range; it's preserved here since a future message type in the
// same nibble should still reach the dispatcher unmodified rather than
// be silently dropped by a stricter check invented for this port.
func (t MessageType) isMeshType() bool {
	return uint8(t)&0xf0 == 0x60
}

// String names t for logging and metric labels.
func (t MessageType) String() string {
	switch t {
	case MsgConnectRequest:
		return "connect_request"
	case MsgConnHandshake:
		return "conn_handshake"
	case MsgConnected:
		return "connected"
	case MsgMessage:
		return "message"
	case MsgMessageAck:
		return "message_ack"
	case MsgPing:
		return "ping"
	case MsgPingAck:
		return "ping_ack"
	case MsgDisconnect:
		return "disconnect"
	case MsgDisconnectAck:
		return "disconnect_ack"
	default:
		return "unknown"
	}
}

// ErrShortFrame indicates a buffer too small to hold a Frame header.
var ErrShortFrame = errors.New("mesh: frame shorter than header")

// Frame is a decoded mesh action frame: header fields plus the payload
// carried after them. Header fields (FC, Type, Receiver, Sender) are
// always cleartext; Payload's encryption, if any, is the concern of the
// message type it carries.
type Frame struct {
	Receiver MAC
	Sender   MAC
	Type     MessageType
	Payload  []byte
}

// MarshalBinary encodes f into the wire format SendPayload produces.
func (f Frame) MarshalBinary() ([]byte, error) {
	out := make([]byte, wifiHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(out[0:2], frameControlAction)
	// out[2:4] Duration, left zero.
	copy(out[4:10], f.Receiver[:])
	copy(out[10:16], f.Sender[:])
	out[16] = uint8(f.Type)
	// out[17:22] MAC_Unused, left zero.
	// out[22:24] SequenceControl, left zero.
	copy(out[wifiHeaderSize:], f.Payload)
	return out, nil
}

// UnmarshalFrame decodes a raw radio frame into a Frame, returning
// ErrShortFrame if buf is too small to contain the header.
func UnmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < wifiHeaderSize {
		return Frame{}, ErrShortFrame
	}

	var f Frame
	copy(f.Receiver[:], buf[4:10])
	copy(f.Sender[:], buf[10:16])
	f.Type = MessageType(buf[16])
	if len(buf) > wifiHeaderSize {
		f.Payload = append([]byte(nil), buf[wifiHeaderSize:]...)
	}
	return f, nil
}
