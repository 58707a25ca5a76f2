package mesh

import "encoding/binary"

// Protocol-level sentinels exchanged during the handshake and teardown.
// These ride inside payloads that are otherwise opaque 32-bit fields, so
// the receiver recognizes them only after decrypting.
const (
	// ResetCmd marks a ConnectRequest as a rekey of an already-Connected
	// peer rather than a fresh handshake: both the challenge and rotation
	// mask fields are replaced with this constant before encryption.
	ResetCmd uint32 = 0xa19f0c21

	// ConnectedCmd is the first field of a Connected message, confirming
	// to the receiver that decryption used the right key.
	ConnectedCmd uint32 = 0x229c0985

	// DisconnectCmd marks a graceful teardown request.
	DisconnectCmd uint32 = 0x8f223a7b
)

// nameFieldSize is the fixed, NUL-padded width of a peer's display name
// as carried on the wire.
const nameFieldSize = 20

// connectRequestWire is the cleartext payload of MSG_ConnectRequest: a DH
// public challenge plus two fresh tap masks the responder should use when
// building the reply's LFSR block. In the rekey path the challenge and
// rotation-mask fields are overwritten with ResetCmd, encrypted with the
// peer's stored reset LFSR, before being placed here.
type connectRequestWire struct {
	Challenge uint32
	Mask      uint32
	RotMask   uint32
}

const connectRequestWireSize = 12

func (w connectRequestWire) marshal() []byte {
	buf := make([]byte, connectRequestWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], w.Challenge)
	binary.LittleEndian.PutUint32(buf[4:8], w.Mask)
	binary.LittleEndian.PutUint32(buf[8:12], w.RotMask)
	return buf
}

func unmarshalConnectRequestWire(buf []byte) (connectRequestWire, bool) {
	if len(buf) < connectRequestWireSize {
		return connectRequestWire{}, false
	}
	return connectRequestWire{
		Challenge: binary.LittleEndian.Uint32(buf[0:4]),
		Mask:      binary.LittleEndian.Uint32(buf[4:8]),
		RotMask:   binary.LittleEndian.Uint32(buf[8:12]),
	}, true
}

// lfsrBlockWire is the 24-byte on-wire layout of one LFSRState: the four
// registers in field order, each little-endian. It's the unit that gets
// encrypted as a whole when an LFSRState crosses the wire.
type lfsrBlockWire [24]byte

func marshalLFSRState(s LFSRState) lfsrBlockWire {
	var buf lfsrBlockWire
	binary.LittleEndian.PutUint32(buf[0:4], s.LFSR)
	binary.LittleEndian.PutUint32(buf[4:8], s.LFSRRot)
	binary.LittleEndian.PutUint32(buf[8:12], s.LFSRMask)
	binary.LittleEndian.PutUint32(buf[12:16], s.LFSRRotMask)
	return buf
}

func unmarshalLFSRState(buf []byte) LFSRState {
	return LFSRState{
		LFSR:        binary.LittleEndian.Uint32(buf[0:4]),
		LFSRRot:     binary.LittleEndian.Uint32(buf[4:8]),
		LFSRMask:    binary.LittleEndian.Uint32(buf[8:12]),
		LFSRRotMask: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// The payload of MSG_ConnHandshake is a 4-byte chal field (either the
// responder's DH public challenge, or -- on a rekey -- a CRC-8 of the
// encrypted LFSR block below, so the initiator can verify it decrypted
// with the right master key), the three fresh LFSR states (reset, in,
// out, in that order) the responder generated for this session, and the
// responder's display name. On a rekey, the reset slot carries the
// existing reset LFSR unchanged rather than a new one.
//
// Only chal and the LFSR block are encrypted (with the DH-derived master
// key, or the stored reset LFSR on a rekey); Name travels in the clear.
// This mirrors the original firmware's SendPayload call, which encrypts
// just the leading Chal+LFSR span and appends Name unencrypted after it
// -- unlike MSG_Connected below, where the whole payload including Name
// is encrypted. The asymmetry is preserved rather than "fixed" because
// nothing in this port's scope depends on Name's confidentiality and
// changing the wire format would break interop with the asymmetry this
// protocol actually has.

// connHandshakeBlockSize is the width of the three concatenated LFSR
// states (reset, in, out) that make up the encrypted body of a
// ConnHandshake message.
const connHandshakeBlockSize = 3 * 24

const connHandshakeCiphertextSize = 4 + connHandshakeBlockSize // Chal + LFSR block

func marshalConnHandshakeBlock(reset, in, out LFSRState) []byte {
	block := make([]byte, 0, connHandshakeBlockSize)
	a, b, c := marshalLFSRState(reset), marshalLFSRState(in), marshalLFSRState(out)
	block = append(block, a[:]...)
	block = append(block, b[:]...)
	block = append(block, c[:]...)
	return block
}

// connectedWire is the payload of MSG_Connected: confirmation the
// responder's (or, on a rekey, the initiator's) reset LFSR has been
// adopted, plus the sender's display name. The entire payload, Name
// included, is encrypted with the sender's freshly established Out LFSR.
type connectedWire struct {
	ID   uint32
	LFSR LFSRState
	Name string
}

const connectedWireSize = 4 + 24 + nameFieldSize

func marshalConnected(w connectedWire) []byte {
	buf := make([]byte, connectedWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], w.ID)
	copy(buf[4:28], marshalLFSRState(w.LFSR)[:])
	copy(buf[28:28+nameFieldSize], paddedName(w.Name))
	return buf
}

func unmarshalConnected(buf []byte) (connectedWire, bool) {
	if len(buf) < connectedWireSize {
		return connectedWire{}, false
	}
	return connectedWire{
		ID:   binary.LittleEndian.Uint32(buf[0:4]),
		LFSR: unmarshalLFSRState(buf[4:28]),
		Name: unpaddedName(buf[28 : 28+nameFieldSize]),
	}, true
}

func paddedName(name string) []byte {
	buf := make([]byte, nameFieldSize)
	n := copy(buf, name)
	_ = n
	return buf
}

func unpaddedName(buf []byte) string {
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}
