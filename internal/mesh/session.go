package mesh

import "encoding/binary"

// newRandomLFSRState samples a fresh LFSR register pair and tap-mask
// pair from rnd, for seeding a new session's reset/in/out slots during a
// handshake.
func newRandomLFSRState(rnd RandomSource) LFSRState {
	s := LFSRState{
		LFSR:        rnd.Uint32(),
		LFSRRot:     rnd.Uint32(),
		LFSRMask:    CreateLFSRMask(rnd),
		LFSRRotMask: CreateLFSRMask(rnd),
	}
	if s.LFSR == 0 || s.LFSR == 0xffffffff {
		s.LFSR = 1
	}
	if s.LFSRRot == 0 || s.LFSRRot == 0xffffffff {
		s.LFSRRot = 1
	}
	return s
}

// secretToLFSR turns a 64-bit Diffie-Hellman shared secret into the
// one-time "master" LFSR a handshake message is encrypted or decrypted
// with, using the tap masks the initiator supplied in its
// MSG_ConnectRequest. Both sides of a fresh handshake compute the same
// secret via DH.FinishChallenge and the same masks (sent in the clear),
// so they arrive at the same master independently.
func secretToLFSR(secret uint64, mask, rotMask uint32) LFSRState {
	s := LFSRState{
		LFSR:        uint32(secret),
		LFSRRot:     uint32(secret >> 32),
		LFSRMask:    mask,
		LFSRRotMask: rotMask,
	}
	if s.LFSR == 0 || s.LFSR == 0xffffffff {
		s.LFSR = 1
	}
	if s.LFSRRot == 0 || s.LFSRRot == 0xffffffff {
		s.LFSRRot = 1
	}
	return s
}

// Connect initiates a session with mac. If no record exists, it starts a
// fresh Diffie-Hellman handshake. If one exists in StateReset, it starts
// a rekey using the persisted reset LFSR instead of a new DH exchange.
// Any other existing state is reported as ErrAlreadyConnected or
// ErrAlreadyConnecting.
func (m *Mesh) Connect(mac MAC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(mac)
}

func (m *Mesh) connectLocked(mac MAC) error {
	if p := m.peers.find(mac); p != nil {
		switch p.State {
		case StateReset:
			p.ticks = 0
			return m.startRekeyLocked(p)
		case StateConnected:
			return ErrAlreadyConnected
		default:
			return ErrAlreadyConnecting
		}
	}

	priv, challenge := m.dh.CreateChallenge(m.rnd)
	mask := CreateLFSRMask(m.rnd)
	rotMask := CreateLFSRMask(m.rnd)

	p := &Peer{
		MAC:   mac,
		State: StateConnecting,
		handshake: &handshakeState{
			priv:      priv,
			mask:      mask,
			rotMask:   rotMask,
			initiator: true,
		},
	}
	m.peers.insert(p)

	payload := connectRequestWire{Challenge: uint32(challenge), Mask: mask, RotMask: rotMask}.marshal()
	return m.sendFrameLocked(mac, MsgConnectRequest, payload)
}

// startRekeyLocked begins a rekey of a StateReset peer: a sentinel
// ConnectRequest encrypted with the persisted reset LFSR, rather than a
// fresh DH exchange.
func (m *Mesh) startRekeyLocked(p *Peer) error {
	master := p.ResetLFSR

	sentinel := connectRequestWire{Challenge: ResetCmd, Mask: ResetCmd, RotMask: 0}
	var clearBuf [8]byte
	binary.LittleEndian.PutUint32(clearBuf[0:4], sentinel.Challenge)
	binary.LittleEndian.PutUint32(clearBuf[4:8], sentinel.Mask)
	cipher := Encrypt(clearBuf[:], &master)

	payload := make([]byte, connectRequestWireSize)
	copy(payload[0:8], cipher)
	binary.LittleEndian.PutUint32(payload[8:12], 0)

	p.State = StateResetConnecting
	p.handshake = &handshakeState{isRekey: true, rekeyMaster: master, initiator: true}

	return m.sendFrameLocked(p.MAC, MsgConnectRequest, payload)
}

// handleConnectRequest processes an inbound MSG_ConnectRequest, the
// responder's side of Connect/startRekeyLocked.
func (m *Mesh) handleConnectRequest(from MAC, payload []byte) {
	req, ok := unmarshalConnectRequestWire(payload)
	if !ok {
		return
	}

	p := m.peers.find(from)

	if p != nil && p.State == StateConnecting {
		// A request arrived while our own Connect to the same peer is
		// still outstanding: whichever side hears first wins, so drop
		// our half and fall through to treat this as a fresh responder.
		m.peers.remove(from)
		p = nil
	}

	if p != nil && p.State == StateConnected {
		m.handleRekeyRequestLocked(p, req)
		return
	}

	priv, challenge := m.dh.CreateChallenge(m.rnd)
	secret := m.dh.FinishChallenge(priv, uint64(req.Challenge))
	master := secretToLFSR(secret, req.Mask, req.RotMask)

	reset := newRandomLFSRState(m.rnd)
	in := newRandomLFSRState(m.rnd)
	out := newRandomLFSRState(m.rnd)

	reply := m.encryptConnHandshake(uint32(challenge), reset, in, out, "", &master)

	np := &Peer{
		MAC:       from,
		State:     StateConnecting,
		ResetLFSR: reset,
		// In/Out are assigned from the responder's perspective; the
		// initiator swaps in/out on receipt so both sides end up
		// symmetric (see handleConnHandshake).
		In:  in,
		Out: out,
	}
	if existing := m.peers.find(from); existing != nil {
		m.peers.remove(from)
	}
	m.peers.insert(np)

	_ = m.sendFrameLocked(from, MsgConnHandshake, reply)
}

// handleRekeyRequestLocked handles a ConnectRequest for an already
// Connected peer: only a correctly-encrypted RESET_CMD sentinel is
// honored, since otherwise any peer could force a stranger to rekey.
func (m *Mesh) handleRekeyRequestLocked(p *Peer, req connectRequestWire) {
	master := p.ResetLFSR
	var cipher [8]byte
	binary.LittleEndian.PutUint32(cipher[0:4], req.Challenge)
	binary.LittleEndian.PutUint32(cipher[4:8], req.Mask)
	clear := Decrypt(cipher[:], &master)
	if binary.LittleEndian.Uint32(clear[0:4]) != ResetCmd || binary.LittleEndian.Uint32(clear[4:8]) != ResetCmd {
		return
	}

	p.IDIn, p.IDOut = 0, 0
	p.State = StateResetConnecting
	p.handshake = &handshakeState{isRekey: true, rekeyMaster: master}

	in := newRandomLFSRState(m.rnd)
	out := newRandomLFSRState(m.rnd)
	p.In, p.Out = in, out

	block := marshalConnHandshakeBlock(p.ResetLFSR, in, out)
	chal := uint32(CRC8(block, CRC8Seed))

	reply := m.encryptConnHandshake(chal, p.ResetLFSR, in, out, "", &master)
	_ = m.sendFrameLocked(p.MAC, MsgConnHandshake, reply)
}

// encryptConnHandshake builds and encrypts a ConnHandshake payload: chal
// and the three-slot LFSR block are encrypted as one continuous
// keystream using master (which the caller passes by pointer so its
// mutation -- relevant for a rekey reply, where master is the same
// evolving ResetLFSR copy used for the chal sentinel -- is visible to
// the caller if it needs the post-encryption state). Name is appended in
// the clear.
func (m *Mesh) encryptConnHandshake(chal uint32, reset, in, out LFSRState, name string, master *LFSRState) []byte {
	clear := make([]byte, 4+connHandshakeBlockSize)
	binary.LittleEndian.PutUint32(clear[0:4], chal)
	copy(clear[4:], marshalConnHandshakeBlock(reset, in, out))

	cipher := Encrypt(clear, master)

	reply := make([]byte, len(cipher)+nameFieldSize)
	copy(reply, cipher)
	copy(reply[len(cipher):], paddedName(name))
	return reply
}

// handleConnHandshake processes the responder's MSG_ConnHandshake reply,
// the final step on a fresh-handshake initiator and the middle step on a
// rekey initiator.
func (m *Mesh) handleConnHandshake(from MAC, payload []byte) {
	p := m.peers.find(from)
	if p == nil || p.handshake == nil {
		return
	}
	hs := p.handshake

	if len(payload) < connHandshakeCiphertextSize+nameFieldSize {
		m.failHandshakeLocked(p)
		return
	}

	var in, out LFSRState
	var name string

	if hs.isRekey {
		master := hs.rekeyMaster
		clear := Decrypt(append([]byte(nil), payload[:connHandshakeCiphertextSize]...), &master)
		wantChal := binary.LittleEndian.Uint32(clear[0:4])
		block := clear[4:]

		if uint8(wantChal) != CRC8(block, CRC8Seed) {
			m.failHandshakeLocked(p)
			return
		}
		// Slot ordering mirrors the non-rekey path below: the initiator
		// uses the responder's Out as its own In and vice versa. Reset
		// is re-confirmed but not replaced; it didn't change across a
		// rekey.
		out = p.Out
		in = p.In
	} else {
		chal := binary.LittleEndian.Uint32(payload[0:4])
		master := secretToLFSR(m.dh.FinishChallenge(hs.priv, uint64(chal)), hs.mask, hs.rotMask)
		clear := Decrypt(append([]byte(nil), payload[:connHandshakeCiphertextSize]...), &master)

		block := clear[4:]
		reset := unmarshalLFSRState(block[0:24])
		respIn := unmarshalLFSRState(block[24:48])
		respOut := unmarshalLFSRState(block[48:72])

		// Swap slots relative to the responder's assignment: what the
		// responder calls its In, the initiator uses as its Out, and
		// vice versa, so each side's Out feeds the other's In.
		in = respOut
		out = respIn

		p.ResetLFSR = reset
		name = unpaddedName(payload[connHandshakeCiphertextSize : connHandshakeCiphertextSize+nameFieldSize])
	}

	p.In, p.Out = in, out
	p.IDIn, p.IDOut = 0, 0
	p.State = StateConnected
	p.handshake = nil

	connPayload := marshalConnected(connectedWire{ID: ConnectedCmd, LFSR: p.ResetLFSR, Name: ""})
	cipherConn := Encrypt(connPayload, &p.Out)
	_ = m.sendFrameLocked(from, MsgConnected, cipherConn)

	if p.pending != nil {
		m.rewindForPendingLocked(p)
	}

	if m.kv != nil {
		_ = savePeer(m.kv, p)
	}
	m.sink.OnConnected(from, name, ConnectSucceeded)
}

// rewindForPendingLocked aligns a peer's outbound state so a write
// queued while the peer was Reset or Connecting lines up as the first
// message of the new session's retransmit cycle, per the original's
// "pending write survives a rekey" behavior.
func (m *Mesh) rewindForPendingLocked(p *Peer) {
	pending := p.pending
	packet, ok := EncryptPacket(p, pending.data)
	if !ok {
		p.pending = nil
		m.sink.OnSendFailed(p.MAC)
		return
	}
	pending.packet = packet
	p.ticks = 0
	_ = m.sendFrameLocked(p.MAC, MsgMessage, packet)
}

// failHandshakeLocked abandons a handshake in progress: the peer record
// is removed and, for a fresh (non-rekey) handshake only, ConnectFailed
// is reported. A failed rekey instead drops the peer back to StateReset
// silently, matching the source's handling: CS_ResetConnecting failures
// are only ever surfaced through the retransmit worker's SendFailed path,
// never through ConnectedCallback.
func (m *Mesh) failHandshakeLocked(p *Peer) {
	wasRekey := p.handshake != nil && p.handshake.isRekey
	pending := p.pending

	if wasRekey {
		p.State = StateReset
		p.handshake = nil
		p.pending = nil
		p.ticks = 0
	} else {
		m.peers.remove(p.MAC)
		m.sink.OnConnected(p.MAC, "", ConnectFailed)
	}

	if pending != nil {
		m.sink.OnSendFailed(p.MAC)
	}
}

// handleConnected processes an inbound MSG_Connected: the responder's
// receipt of the initiator's confirmation (or, on a rekey, either side's
// confirmation of the other's).
func (m *Mesh) handleConnected(from MAC, payload []byte) {
	p := m.peers.find(from)
	if p == nil {
		return
	}

	in := p.In
	clear := Decrypt(payload, &in)
	msg, ok := unmarshalConnected(clear)
	if !ok || msg.ID != ConnectedCmd {
		// The source silently drops the peer here without firing
		// ConnectedCallback; see the package's design notes on the
		// MSG_Connected failure path.
		m.peers.remove(from)
		return
	}

	p.In = in
	p.ResetLFSR = msg.LFSR
	p.IDIn, p.IDOut = 0, 0
	p.State = StateConnected
	p.handshake = nil

	if p.pending != nil {
		m.rewindForPendingLocked(p)
	}

	if m.kv != nil {
		_ = savePeer(m.kv, p)
	}
	m.sink.OnConnected(from, msg.Name, ConnectSucceeded)
}

// Disconnect gracefully tears down mac's session: a DISCONNECT_CMD is
// sent and the local record is removed immediately, before any
// DisconnectAck can arrive. It refuses if a write is already pending or
// the peer isn't Connected.
func (m *Mesh) Disconnect(mac MAC) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.peers.find(mac)
	if p == nil {
		return ErrUnknownPeer
	}
	if p.pending != nil {
		return ErrPreviousWriteNotComplete
	}
	if p.State != StateConnected {
		_ = m.connectLocked(mac)
		return ErrResettingConnection
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], DisconnectCmd)
	packet, ok := EncryptPacketCommon(p.IDOut, &p.Out, buf[:])
	if !ok {
		return ErrDataTooLarge
	}
	p.IDOut++

	m.peers.remove(mac)
	if m.kv != nil {
		_ = deletePeer(m.kv, mac)
	}
	_ = m.sendFrameLocked(mac, MsgDisconnect, packet)
	m.sink.OnConnected(mac, "", ConnectDisconnected)
	return nil
}

// handleDisconnect processes an inbound MSG_Disconnect: acknowledge and
// remove the local record.
func (m *Mesh) handleDisconnect(from MAC, payload []byte) {
	p := m.peers.find(from)
	if p == nil {
		return
	}
	in := p.In
	clear, ok := DecryptPacketCommon(p.IDIn, &in, payload)
	if !ok || len(clear) < 4 || binary.LittleEndian.Uint32(clear) != DisconnectCmd {
		return
	}
	p.In = in
	p.IDIn++

	var ackBuf [4]byte
	binary.LittleEndian.PutUint32(ackBuf[:], p.IDIn)
	ackPacket, ok := EncryptPacketCommon(p.IDIn, &p.Out, ackBuf[:])

	m.peers.remove(from)
	if m.kv != nil {
		_ = deletePeer(m.kv, from)
	}
	if ok {
		_ = m.sendFrameLocked(from, MsgDisconnectAck, ackPacket)
	}
	m.sink.OnConnected(from, "", ConnectDisconnected)
}

// handleDisconnectAck processes the peer's acknowledgement of our own
// Disconnect; the local record was already removed when Disconnect sent
// the request, so there is nothing left to do but accept the frame.
func (m *Mesh) handleDisconnectAck(from MAC, payload []byte) {
	_ = from
	_ = payload
}

// ForceDisconnect immediately removes mac's record without notifying the
// peer, for when the remote side is believed gone (e.g. repeated send
// failures) rather than cooperating in a graceful teardown.
func (m *Mesh) ForceDisconnect(mac MAC) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peers.find(mac) == nil {
		return ErrUnknownPeer
	}
	m.peers.remove(mac)
	if m.kv != nil {
		_ = deletePeer(m.kv, mac)
	}
	m.sink.OnConnected(mac, "", ConnectDisconnected)
	return nil
}
