package mesh

import "encoding/binary"

const (
	// ValidPacketID is the trailing 4-byte marker every decrypted
	// packet must reveal; its presence is what lets the receiver tell
	// a correctly-keyed decryption from noise.
	ValidPacketID uint32 = 0x9056acd2

	// MaxPacketSize is the largest frame payload the transport will
	// carry, header and trailer included.
	MaxPacketSize = 1000

	// packetHeaderSize is the 1-byte CRC plus 4-byte sequence ID that
	// precede every encrypted packet in cleartext.
	packetHeaderSize = 5

	// trailerSize is the encrypted ValidPacketID marker's width.
	trailerSize = 4
)

// EncryptPacketCommon builds a wire packet from plaintext: a cleartext
// 5-byte header (CRC8 over the sequence ID and the plaintext, then the
// sequence ID itself), followed by the plaintext encrypted with lfsr,
// followed by the encrypted ValidPacketID marker. lfsr is advanced in
// place; on success the caller commits it back to the peer's persistent
// LFSR state, on failure the caller's copy is simply discarded.
func EncryptPacketCommon(seqID uint32, lfsr *LFSRState, data []byte) ([]byte, bool) {
	if len(data) == 0 || packetHeaderSize+len(data)+trailerSize > MaxPacketSize {
		return nil, false
	}

	packet := make([]byte, packetHeaderSize+len(data)+trailerSize)
	binary.LittleEndian.PutUint32(packet[1:5], seqID)

	crc := CRC8(packet[1:5], CRC8Seed)
	crc = CRC8(data, crc)
	packet[0] = crc

	cipherData := Encrypt(data, lfsr)
	copy(packet[packetHeaderSize:], cipherData)

	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], ValidPacketID)
	cipherTrailer := Encrypt(idBytes[:], lfsr)
	copy(packet[packetHeaderSize+len(data):], cipherTrailer)

	return packet, true
}

// DecryptPacketCommon reverses EncryptPacketCommon. It rejects the packet
// (returns ok=false) if it's too short, its cleartext sequence ID doesn't
// match seqID, the decrypted trailer isn't ValidPacketID, or the CRC
// doesn't match -- any of which means lfsr was the wrong key for this
// packet. lfsr is still advanced on a failed attempt; callers that want
// to retry with a different LFSR must pass a fresh copy.
func DecryptPacketCommon(seqID uint32, lfsr *LFSRState, packet []byte) ([]byte, bool) {
	if len(packet) < packetHeaderSize+trailerSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(packet[1:5]) != seqID {
		return nil, false
	}

	dataSize := len(packet) - packetHeaderSize - trailerSize
	if dataSize == 0 {
		return nil, false
	}

	data := Decrypt(packet[packetHeaderSize:packetHeaderSize+dataSize], lfsr)
	trailer := Decrypt(packet[packetHeaderSize+dataSize:], lfsr)
	validID := binary.LittleEndian.Uint32(trailer)

	crc := CRC8(packet[1:5], CRC8Seed)
	crc = CRC8(data, crc)

	if validID != ValidPacketID || crc != packet[0] {
		return nil, false
	}

	return data, true
}

// EncryptPacket encrypts data for transmission to dev using its current
// outbound LFSR and sequence ID. On success dev's Out/OutPrev/IDOut are
// advanced; on failure dev is left untouched.
func EncryptPacket(dev *Peer, data []byte) ([]byte, bool) {
	lfsr := dev.Out
	packet, ok := EncryptPacketCommon(dev.IDOut, &lfsr, data)
	if !ok {
		return nil, false
	}
	dev.OutPrev = dev.Out
	dev.Out = lfsr
	dev.IDOut++
	return packet, true
}

// DecryptPacket decrypts an inbound unicast packet from dev. If the
// current inbound LFSR fails, it retries once with the previous LFSR and
// the prior sequence ID, to recover from the case where the local ack to
// a prior message was lost and the peer hasn't advanced yet: such a
// packet decrypts and CRC-checks correctly under the old key, so the
// message itself is a duplicate (doAck is still true so the peer gets
// another chance at an ack) but its payload is discarded rather than
// delivered twice.
func DecryptPacket(dev *Peer, packet []byte) (data []byte, doAck bool) {
	lfsr := dev.In
	data, ok := DecryptPacketCommon(dev.IDIn, &lfsr, packet)
	if ok {
		dev.InPrev = dev.In
		dev.In = lfsr
		dev.IDIn++
		return data, true
	}

	prevLFSR := dev.InPrev
	if _, ok := DecryptPacketCommon(dev.IDIn-1, &prevLFSR, packet); ok {
		return nil, true
	}

	return nil, false
}

// EncryptBroadcastPacket encrypts data as a broadcast message from
// localMAC using msgID as the sequence number. Unlike unicast, the key is
// derived fresh for every message via PermuteBroadcastLFSR rather than
// carried forward, since there is no per-receiver session to keep in
// sync.
func EncryptBroadcastPacket(key BroadcastKey, localMAC MAC, msgID uint32, data []byte) ([]byte, bool) {
	lfsr := PermuteBroadcastLFSR(key, localMAC, msgID)
	return EncryptPacketCommon(msgID, &lfsr, data)
}

// DecryptBroadcastPacket decrypts an inbound broadcast packet. The sender
// MAC and the cleartext sequence ID in the packet header are enough to
// derive the same key the sender used, with no prior handshake needed.
func DecryptBroadcastPacket(key BroadcastKey, sender MAC, packet []byte) ([]byte, bool) {
	if len(packet) < packetHeaderSize {
		return nil, false
	}
	seqID := binary.LittleEndian.Uint32(packet[1:5])
	lfsr := PermuteBroadcastLFSR(key, sender, seqID)
	return DecryptPacketCommon(seqID, &lfsr, packet)
}
