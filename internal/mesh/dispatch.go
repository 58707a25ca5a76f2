package mesh

import (
	"context"
	"encoding/binary"
	"time"
)

// ingressLoop receives frames from the transport until ctx is done,
// dispatching each to its handler under mu. A transport error other than
// context cancellation stops the loop and is returned to Run.
func (m *Mesh) ingressLoop(ctx context.Context) error {
	for {
		raw, err := m.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f, err := UnmarshalFrame(raw)
		if err != nil {
			m.metrics.FrameDropped("short_frame")
			continue
		}
		if !f.Type.isMeshType() {
			m.metrics.FrameDropped("bad_type")
			continue
		}
		if f.Receiver != m.localMAC && f.Receiver != BroadcastMAC {
			m.metrics.FrameDropped("wrong_receiver")
			continue
		}
		if f.Sender == m.localMAC {
			m.metrics.FrameDropped("self_sender")
			continue
		}

		m.mu.Lock()
		m.dispatch(f)
		m.mu.Unlock()
	}
}

// dispatch routes an inbound frame to the handler for its message type.
// Callers must hold mu.
func (m *Mesh) dispatch(f Frame) {
	if f.Receiver == BroadcastMAC {
		m.handleBroadcastFrame(f)
		return
	}

	switch f.Type {
	case MsgConnectRequest:
		m.handleConnectRequest(f.Sender, f.Payload)
	case MsgConnHandshake:
		m.handleConnHandshake(f.Sender, f.Payload)
	case MsgConnected:
		m.handleConnected(f.Sender, f.Payload)
	case MsgMessage:
		m.handleMessage(f.Sender, f.Payload)
	case MsgMessageAck:
		m.handleMessageAck(f.Sender, f.Payload)
	case MsgPingAck:
		m.handlePingAck(f.Sender, f.Payload)
	case MsgDisconnect:
		m.handleDisconnect(f.Sender, f.Payload)
	case MsgDisconnectAck:
		m.handleDisconnectAck(f.Sender, f.Payload)
	}
}

// handleMessage processes an inbound unicast MSG_Message: a sequenced,
// acknowledged application payload. It always acknowledges a packet that
// decrypts under either the current or the previous inbound key, even
// when the payload itself is a duplicate the peer already has an ack
// for, so a peer that lost our prior ack can still recover. The ack
// itself rides in the clear and consumes no LFSR state -- it carries
// only IDIn-1, the sequence being acknowledged -- so a dropped ack never
// desyncs the responder's outbound cipher stream from what the
// initiator's next decrypt attempt expects.
func (m *Mesh) handleMessage(from MAC, payload []byte) {
	p := m.peers.find(from)
	if p == nil || p.State != StateConnected {
		return
	}

	data, doAck := DecryptPacket(p, payload)
	if !doAck {
		return
	}

	if data != nil {
		m.sink.OnMessage(from, data)
	}

	var ack [4]byte
	binary.LittleEndian.PutUint32(ack[:], p.IDIn-1)
	_ = m.sendFrameLocked(from, MsgMessageAck, ack[:])
}

// handleMessageAck processes the peer's acknowledgement of our own
// pending Write: a cleartext sequence ID, compared directly against
// IDOut-1. Anything else -- too short, or acknowledging a sequence ID
// other than the one outstanding -- is ignored, leaving the retransmit
// loop to resend the original message.
func (m *Mesh) handleMessageAck(from MAC, payload []byte) {
	p := m.peers.find(from)
	if p == nil || p.pending == nil {
		return
	}
	if len(payload) < 4 || binary.LittleEndian.Uint32(payload[:4]) != p.IDOut-1 {
		return
	}

	p.pending = nil
	p.ticks = 0
	m.sink.OnMessage(from, nil)
}

// handleBroadcastFrame processes an inbound broadcast frame. MSG_Ping is
// a special case handled separately below: the original neither applies
// replay protection nor decrypts the incoming ping at all, it just
// answers every one, duplicates included, with a direct MSG_PingAck.
// Every other broadcast type (MSG_Message) goes through the
// replay-protection and relay logic: a sequence ID at or below the
// sender's stored high-water mark is a replay and is dropped outright;
// the ID that first advances the mark is delivered and relayed once, and
// its one observed repeat is relayed again (recovering a neighbor that
// missed the first copy) without being redelivered to the application --
// so a dense mesh doesn't amplify one broadcast into an unbounded storm.
//
// Per-sender high-water state is kept directly on the Peer record for
// known senders, and in the capacity-bounded unknown-sender table
// otherwise, so a flood of spoofed senders can't grow this state without
// bound (see unknownTableCapacity).
func (m *Mesh) handleBroadcastFrame(f Frame) {
	if !m.canBroadcast || len(f.Payload) < packetHeaderSize {
		return
	}

	if f.Type == MsgPing {
		_ = m.sendBroadcastEncryptedLocked(f.Sender, MsgPingAck, m.pingData)
		return
	}

	seqID := binary.LittleEndian.Uint32(f.Payload[1:5])

	var accept, relay bool
	if p := m.peers.find(f.Sender); p != nil {
		accept, relay = observeKnownBroadcast(p, seqID)
	} else {
		accept, relay, _, _ = m.unknown.observeBroadcast(f.Sender, seqID)
	}

	if accept {
		data, ok := DecryptBroadcastPacket(m.broadcastKey, f.Sender, f.Payload)
		if !ok {
			return
		}
		m.sink.OnBroadcast(f.Sender, data)
	}

	if relay {
		m.relayLocked(f)
	}
}

// handlePingAck processes a unicast MSG_PingAck: the reply to our own
// Ping(), broadcast-encrypted by the sender the same way a genuine
// broadcast message is, but addressed directly back to us instead of to
// everyone. Sequence IDs are tracked per sender in the unknown-peer
// table -- the same structure a sender with no session uses for
// MSG_Message replay protection -- since the original keeps a single
// high-water mark per sender shared across both.
func (m *Mesh) handlePingAck(from MAC, payload []byte) {
	if len(payload) < packetHeaderSize {
		return
	}
	seqID := binary.LittleEndian.Uint32(payload[1:5])
	if last, ok := m.unknown.find(from); ok && seqID <= last {
		return
	}

	data, ok := DecryptBroadcastPacket(m.broadcastKey, from, payload)
	if !ok {
		return
	}
	m.unknown.upsert(from, seqID)
	m.sink.OnPing(from, data)
}

// observeKnownBroadcast applies the same high-water-mark replay check and
// at-most-one-repeat relay rule as unknownTable.observeBroadcast, but for
// a sender that already has a known-peer record.
func observeKnownBroadcast(p *Peer, seqID uint32) (accept, relay bool) {
	if p.broadcastSeen {
		switch {
		case seqID < p.broadcastHigh:
			return false, false
		case seqID == p.broadcastHigh:
			if p.broadcastCopies >= 2 {
				return false, false
			}
			p.broadcastCopies++
			return false, p.broadcastCopies < 2
		}
	}
	p.broadcastSeen = true
	p.broadcastHigh = seqID
	p.broadcastCopies = 1
	return true, true
}

// relayLocked re-sends a broadcast frame unchanged except for its own
// header, preserving the original sender so every other peer still
// derives the right broadcast key for it.
func (m *Mesh) relayLocked(f Frame) {
	raw, err := f.MarshalBinary()
	if err != nil {
		return
	}
	if err := m.transport.Send(raw); err != nil {
		return
	}
	m.metrics.BroadcastRelayed()
}

// retransmitLoop resends in-flight handshakes and unacknowledged writes
// on retransmitInterval until ctx is done.
func (m *Mesh) retransmitLoop(ctx context.Context) {
	ticker := time.NewTicker(retransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.retransmitTick()
			m.mu.Unlock()
		}
	}
}

// retransmitTick runs one retransmit pass over every known peer. Callers
// must hold mu.
func (m *Mesh) retransmitTick() {
	for _, p := range m.peers.all() {
		switch {
		case p.State == StateConnecting || p.State == StateResetConnecting:
			m.retransmitHandshakeLocked(p)
		case p.pending != nil:
			m.retransmitWriteLocked(p)
		}
	}
}

// retransmitHandshakeLocked advances a handshake in progress toward
// either a resend or a timeout. Only the initiator resends: a
// responder-side Peer (handshake nil for a fresh connect, or
// handshake.initiator false for a rekey it's responding to) has already
// sent its reply and is simply dropped once the budget elapses,
// trusting the initiator to have given up or to try again from scratch.
func (m *Mesh) retransmitHandshakeLocked(p *Peer) {
	p.ticks++
	if p.ticks < retransmitBudget {
		hs := p.handshake
		if hs == nil || !hs.initiator {
			return
		}
		m.metrics.Retransmit(p.MAC)
		if hs.isRekey {
			_ = m.startRekeyLocked(p)
			return
		}
		challenge := m.dh.powMod(m.dh.G, hs.priv)
		payload := connectRequestWire{Challenge: uint32(challenge), Mask: hs.mask, RotMask: hs.rotMask}.marshal()
		_ = m.sendFrameLocked(p.MAC, MsgConnectRequest, payload)
		return
	}

	m.failHandshakeLocked(p)
}

// retransmitWriteLocked resends the exact bytes last transmitted for a
// peer's pending write, unchanged, so the peer's receiver still sees the
// sequence ID it's expecting. The original rewinds Out/IDOut to
// OutPrev/IDOut-1 and re-encrypts from scratch on every other tick rather
// than resending a cached packet, but that rewind-then-re-encrypt dance
// only exists because the original never kept the wire bytes around; it
// produces the identical packet every time, since nothing touches
// Out/IDOut between the original send and any retransmit of the same
// pending write. Caching and resending those bytes on every tick gets
// the same wire-idempotent result (property 7) without the odd/even
// split or the rewind.
func (m *Mesh) retransmitWriteLocked(p *Peer) {
	p.ticks++
	if p.ticks < retransmitBudget {
		m.metrics.Retransmit(p.MAC)
		_ = m.sendFrameLocked(p.MAC, MsgMessage, p.pending.packet)
		return
	}
	p.pending = nil
	p.ticks = 0
	m.sink.OnSendFailed(p.MAC)
	// A zero-length OnMessage marks the abandoned write the same way a
	// successful ack does, so the application doesn't have to tell the
	// two outcomes apart just to stop waiting on this write.
	m.sink.OnMessage(p.MAC, nil)
}
