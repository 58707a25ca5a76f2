package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/LightningTH/itero/internal/store"
)

// Transport is the raw frame send/receive primitive the host supplies.
// Frames passed to Send and returned from Recv are complete 802.11 action
// frames as Frame.MarshalBinary/UnmarshalFrame encode and decode them;
// the mesh package never touches a socket or a radio driver directly.
type Transport interface {
	// LocalMAC returns the hardware address frames are sent from.
	LocalMAC() MAC
	// Send transmits a single frame. It may block briefly but must not
	// retry; retransmission is this package's job, not the transport's.
	Send(frame []byte) error
	// Recv blocks until a frame arrives or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
}

// Config configures a Mesh at construction. All fields are required
// except Sink, RandomSource and PingData.
type Config struct {
	Transport Transport
	Store     store.KV

	// DH carries the 64-bit Diffie-Hellman prime and generator every
	// peer on the mesh must share.
	DHPrime, DHGenerator uint64

	// BroadcastSeed and the two tap-mask triples configure the shared
	// broadcast key every peer on the mesh must be configured with
	// identically for broadcast traffic to be mutually readable.
	BroadcastSeed      [2]uint32
	BroadcastMask1     [3]uint8
	BroadcastMask2     [3]uint8

	// Sink receives message/connection events. A nil Sink is replaced
	// with NopSink.
	Sink Sink

	// RandomSource supplies the non-cryptographic randomness used for
	// DH private scalars and fresh LFSR masks. Defaults to
	// MathRandSource.
	RandomSource RandomSource

	// PingData is the payload Ping() broadcasts; defaults to empty.
	PingData []byte

	// CanBroadcast controls whether this node rebroadcasts and accepts
	// MSG_Message broadcasts at all. Defaults to true.
	CanBroadcast bool

	// Metrics receives frame send/drop/retransmit/relay counters.
	// Defaults to a no-op reporter.
	Metrics MetricsReporter
}

// retransmitInterval is the retransmit worker's tick period and, via
// retransmitBudget, the unit the 5-tick give-up window is measured in.
const retransmitInterval = 500 * time.Millisecond

// retransmitBudget is how many ticks a pending write or an in-flight
// rekey survives before the peer gives up on it.
const retransmitBudget = 5

// Mesh is a single node's view of the mesh: its known-peer table, its
// pending unknown-sender table, and the handshake/packet state machines
// that drive them. A Mesh owns no goroutines until Run is called.
type Mesh struct {
	transport Transport
	kv        store.KV
	rnd       RandomSource
	sink      Sink

	dh           *DH
	broadcastKey BroadcastKey
	localMAC     MAC
	metrics      MetricsReporter

	// mu serializes the three writers the original firmware left
	// implicitly synchronized by single-threaded cooperative scheduling:
	// the ingress dispatcher, the retransmit worker, and public API
	// calls from the application. Every exported method and every
	// per-message/per-tick handler holds mu for its full duration.
	mu      sync.Mutex
	peers   *peerTable
	unknown *unknownTable

	broadcastID  uint32
	canBroadcast bool
	pingData     []byte
}

// New constructs a Mesh from cfg, validates the Diffie-Hellman and
// broadcast parameters, and loads any peers persisted in cfg.Store. It
// does not start any goroutines; call Run to begin processing frames.
func New(cfg Config) (*Mesh, error) {
	dh, err := NewDH(cfg.DHPrime, cfg.DHGenerator)
	if err != nil {
		return nil, ErrFailedDiffieHellmanInit
	}
	bk, ok := NewBroadcastKey(cfg.BroadcastSeed, cfg.BroadcastMask1, cfg.BroadcastMask2)
	if !ok {
		return nil, ErrFailedBroadcastLFSRInit
	}

	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	rnd := cfg.RandomSource
	if rnd == nil {
		rnd = MathRandSource{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	m := &Mesh{
		transport:     cfg.Transport,
		kv:            cfg.Store,
		rnd:           rnd,
		sink:          sink,
		dh:            dh,
		broadcastKey:  bk,
		localMAC:      cfg.Transport.LocalMAC(),
		metrics:       metrics,
		peers:         newPeerTable(),
		unknown:       newUnknownTable(unknownTableCapacity),
		canBroadcast:  cfg.CanBroadcast,
		pingData:      append([]byte(nil), cfg.PingData...),
	}
	if cfg.Store != nil {
		m.broadcastID = loadBroadcastID(cfg.Store)
		for _, p := range loadPersistedPeers(cfg.Store) {
			m.peers.insert(p)
		}
	}
	return m, nil
}

// Run drives the ingress and retransmit loops until ctx is cancelled. It
// blocks; call it from its own goroutine.
func (m *Mesh) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	var ingressErr error
	go func() {
		defer wg.Done()
		ingressErr = m.ingressLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.retransmitLoop(ctx)
	}()
	wg.Wait()
	return ingressErr
}

// GetMAC returns the node's own hardware address.
func (m *Mesh) GetMAC() MAC {
	return m.localMAC
}

// IsDeviceKnown reports whether mac has a known-peer record, regardless
// of its connection state.
func (m *Mesh) IsDeviceKnown(mac MAC) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers.find(mac) != nil
}

// ConnectedDevices returns the MAC of every peer currently in
// StateConnected, in no particular order. It replaces the original's
// GetConnectedDevices(buf, size) counting/filling protocol with a direct
// slice, which Go callers can range over or len() without a two-call
// dance.
func (m *Mesh) ConnectedDevices() []MAC {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MAC
	for _, p := range m.peers.all() {
		if p.State == StateConnected {
			out = append(out, p.MAC)
		}
	}
	return out
}

// KnownPeerCount returns the number of known-peer records, regardless of
// connection state.
func (m *Mesh) KnownPeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers.count()
}

// SetPingData replaces the payload Ping() broadcasts.
func (m *Mesh) SetPingData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingData = append([]byte(nil), data...)
}

// SetBroadcastFlag enables or disables rebroadcasting and acceptance of
// MSG_Message broadcasts from other peers.
func (m *Mesh) SetBroadcastFlag(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canBroadcast = enabled
}

// CanBroadcast reports whether broadcasting is currently enabled.
func (m *Mesh) CanBroadcast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canBroadcast
}

// ResetConnectionData erases every known peer, its persisted record, and
// the broadcast sequence counter, returning the node to a freshly
// initialized state. Existing sessions are not notified; this is a local
// wipe, not a graceful mass-disconnect.
func (m *Mesh) ResetConnectionData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = newPeerTable()
	m.unknown = newUnknownTable(unknownTableCapacity)
	m.broadcastID = 0
	if m.kv != nil {
		return wipeAll(m.kv)
	}
	return nil
}

// Ping broadcasts the node's current ping data so other peers fire their
// OnPing callback.
func (m *Mesh) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendBroadcastLocked(MsgPing, m.pingData)
}

// Write sends data to mac as a sequenced, acknowledged unicast message.
// Only one write to a given peer may be outstanding at a time; a second
// call before the first is acknowledged returns
// ErrPreviousWriteNotComplete.
func (m *Mesh) Write(mac MAC, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 || packetHeaderSize+len(data)+trailerSize > MaxPacketSize {
		return ErrDataTooLarge
	}

	p := m.peers.find(mac)
	if p == nil {
		return ErrDeviceDoesNotExist
	}
	if p.pending != nil {
		return ErrPreviousWriteNotComplete
	}

	switch p.State {
	case StateReset:
		p.ticks = 0
		if err := m.startRekeyLocked(p); err != nil {
			return err
		}
		p.pending = &pendingWrite{data: data}
		return ErrResettingConnection
	case StateConnecting, StateResetConnecting:
		p.pending = &pendingWrite{data: data}
		return ErrResettingConnection
	case StateConnected:
		packet, ok := EncryptPacket(p, data)
		if !ok {
			return ErrDataTooLarge
		}
		p.pending = &pendingWrite{data: data, packet: packet}
		return m.sendFrameLocked(mac, MsgMessage, packet)
	default:
		return ErrDeviceDoesNotExist
	}
}

func (m *Mesh) sendFrameLocked(to MAC, typ MessageType, payload []byte) error {
	f := Frame{Receiver: to, Sender: m.localMAC, Type: typ, Payload: payload}
	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := m.transport.Send(raw); err != nil {
		return err
	}
	m.metrics.FrameSent(to, typ)
	return nil
}

func (m *Mesh) sendBroadcastLocked(typ MessageType, data []byte) error {
	return m.sendBroadcastEncryptedLocked(BroadcastMAC, typ, data)
}

// sendBroadcastEncryptedLocked sends data broadcast-encrypted (keyed off
// our own MAC and the shared broadcastID counter) to to, which may be
// BroadcastMAC for a genuine broadcast or a specific peer's MAC for a
// directly-addressed MSG_PingAck reply. Either way the same counter is
// consumed, matching the original's single per-node broadcast sequence
// shared by every broadcast-encrypted send regardless of its recipient.
func (m *Mesh) sendBroadcastEncryptedLocked(to MAC, typ MessageType, data []byte) error {
	packet, ok := EncryptBroadcastPacket(m.broadcastKey, m.localMAC, m.broadcastID, data)
	if !ok {
		return ErrDataTooLarge
	}
	if err := m.sendFrameLocked(to, typ, packet); err != nil {
		return err
	}
	m.broadcastID++
	if m.kv != nil {
		_ = saveBroadcastID(m.kv, m.broadcastID)
	}
	return nil
}
