package mesh

import (
	"container/list"
	"sync"
)

// TableSize is the number of hash buckets the known-peer table uses.
const TableSize = 8

// TableMask selects a bucket from a MAC's CRC8 hash: CRC8(mac) & TableMask.
const TableMask = TableSize - 1

// unknownTableCapacity bounds the unknown-peer table so an attacker
// cannot grow it without limit by flooding broadcast traffic from
// spoofed source addresses. The original firmware's table had no such
// bound; capacity and LRU eviction were added to close that gap.
const unknownTableCapacity = 64

// ConnState is a known peer's place in the connection lifecycle.
type ConnState uint8

const (
	// StateConnected is a fully established, readable/writable session.
	StateConnected ConnState = iota
	// StateConnecting is a handshake in progress, initiated locally or
	// by the peer.
	StateConnecting
	// StateReset is a previously connected peer whose session must be
	// re-established (e.g. after a local reboot) before use.
	StateReset
	// StateResetConnecting is StateReset with a reconnection attempt
	// currently in flight.
	StateResetConnecting
)

// String names a ConnState for logging.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateReset:
		return "reset"
	case StateResetConnecting:
		return "reset_connecting"
	default:
		return "unknown"
	}
}

// pendingWrite is an outbound unicast message awaiting acknowledgement.
type pendingWrite struct {
	data []byte

	// packet is the exact wire bytes last transmitted for data. A
	// retransmit resends this unchanged rather than re-encrypting, since
	// re-running EncryptPacket would advance Out/IDOut and produce a
	// sequence ID the peer's receiver no longer expects.
	packet []byte
}

// Peer is a device the local node has exchanged, or is exchanging, a
// Diffie-Hellman handshake with.
type Peer struct {
	MAC   MAC
	State ConnState

	// ResetLFSR is the persisted master key derived at the end of the
	// last successful handshake. A reconnection reseeds In/Out from it
	// rather than renegotiating from nothing, so a reboot doesn't force
	// a brand new Diffie-Hellman exchange with every peer at once.
	ResetLFSR LFSRState

	In, InPrev   LFSRState
	Out, OutPrev LFSRState
	IDIn, IDOut  uint32

	// handshake holds the local state a handshake in progress needs to
	// carry between messages. It is non-nil only while State is
	// StateConnecting or StateResetConnecting, and is cleared once the
	// handshake finishes or fails.
	handshake *handshakeState

	pending *pendingWrite

	// ticks counts retransmitInterval ticks since the last retransmit of
	// a pending write or an in-flight handshake; it resets to 0 whenever
	// that state is (re)armed and the peer is given up on once it
	// reaches retransmitBudget.
	ticks uint8

	// broadcastSeen, broadcastHigh and broadcastCopies track this
	// sender's most recent MSG_Message broadcast for replay protection
	// and flood control: a sequence ID at or below broadcastHigh is a
	// stale replay and is dropped outright, while repeats of
	// broadcastHigh itself are relayed (up to twice) without being
	// redelivered to the application. Only the current ID's state is
	// kept, unlike a full per-ID history, so this is O(1) per peer
	// regardless of how many broadcasts it has ever sent.
	broadcastSeen   bool
	broadcastHigh   uint32
	broadcastCopies uint8
}

// handshakeState is the scratch state a Connecting or ResetConnecting
// peer carries between the ConnectRequest it sent or received and the
// ConnHandshake/Connected message that completes the exchange.
//
// priv, mask and rotMask are the local side's Diffie-Hellman private
// scalar and the two tap masks it generated for the other side to build
// its master key with; they matter only for a fresh (non-rekey)
// handshake. rekeyMaster is the transient, evolving copy of ResetLFSR a
// rekey's sentinel is encrypted or decrypted with: the original firmware
// reuses one register across the sentinel field and the following LFSR
// block by side effect rather than starting fresh for each, so this
// struct carries that same continuation explicitly instead of leaving it
// implicit in a shared buffer.
type handshakeState struct {
	priv    uint64
	mask    uint32
	rotMask uint32

	isRekey     bool
	rekeyMaster LFSRState

	// initiator is true when the local side sent the ConnectRequest that
	// started this handshake. Only the initiator retransmits; a
	// responder has already replied and has nothing further to resend
	// while it waits for ConnHandshake or Connected.
	initiator bool
}

// peerTable is the known-peer hash table: CRC8(MAC)&TableMask buckets,
// each a slice rather than the original's linked list (Go slices give
// the same O(1)-amortized insert/scan without hand-rolled pointer
// chains).
type peerTable struct {
	mu      sync.RWMutex
	buckets [TableSize][]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{}
}

func (t *peerTable) find(mac MAC) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.buckets[mac.bucket()] {
		if p.MAC == mac {
			return p
		}
	}
	return nil
}

func (t *peerTable) insert(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := p.MAC.bucket()
	for _, existing := range t.buckets[b] {
		if existing.MAC == p.MAC {
			return
		}
	}
	t.buckets[b] = append(t.buckets[b], p)
}

func (t *peerTable) remove(mac MAC) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := mac.bucket()
	for i, p := range t.buckets[b] {
		if p.MAC == mac {
			t.buckets[b] = append(t.buckets[b][:i], t.buckets[b][i+1:]...)
			return true
		}
	}
	return false
}

// count returns the number of known peers.
func (t *peerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// all returns a snapshot of every known peer, for iteration by the
// retransmit loop and GetConnectedDevices.
func (t *peerTable) all() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, TableSize)
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

// unknownPeer tracks the last sequence ID seen from a sender with no
// established session, so a replayed or duplicate broadcast frame can be
// recognized without decrypting it twice.
type unknownPeer struct {
	mac    MAC
	id     uint32
	copies uint8
}

// unknownTable is an LRU-bounded table of senders seen only through
// broadcast traffic. Bounding it prevents an unbounded memory grow from a
// flood of spoofed broadcast senders (see unknownTableCapacity).
type unknownTable struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[MAC]*list.Element
}

func newUnknownTable(capacity int) *unknownTable {
	return &unknownTable{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[MAC]*list.Element),
	}
}

// find returns the last-seen sequence ID for mac, if any, and touches it
// to the front of the LRU order.
func (t *unknownTable) find(mac MAC) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.index[mac]
	if !ok {
		return 0, false
	}
	t.order.MoveToFront(el)
	return el.Value.(*unknownPeer).id, true
}

// upsert records id as the last-seen sequence ID for mac, evicting the
// least-recently-used entry if the table is at capacity. It reports the
// evicted MAC, if any, so a caller keeping side tables keyed by the same
// MAC (e.g. broadcast dedup state) can drop the matching entry too.
func (t *unknownTable) upsert(mac MAC, id uint32) (evicted MAC, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, present := t.index[mac]; present {
		el.Value.(*unknownPeer).id = id
		t.order.MoveToFront(el)
		return MAC{}, false
	}

	if t.order.Len() >= t.capacity {
		oldest := t.order.Back()
		if oldest != nil {
			t.order.Remove(oldest)
			victim := oldest.Value.(*unknownPeer).mac
			delete(t.index, victim)
			evicted, ok = victim, true
		}
	}

	el := t.order.PushFront(&unknownPeer{mac: mac, id: id})
	t.index[mac] = el
	return evicted, ok
}

// observeBroadcast applies the replay-protection and flood-control rule
// to an inbound broadcast from a sender with no known-peer session:
// accept reports whether seqID is new enough to deliver to the
// application (strictly greater than the stored high-water mark), relay
// reports whether this copy should be rebroadcast (the original plus up
// to one repeat), and evicted/evictedOK report an LRU eviction exactly
// as upsert does.
func (t *unknownTable) observeBroadcast(mac MAC, seqID uint32) (accept, relay bool, evicted MAC, evictedOK bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, present := t.index[mac]; present {
		t.order.MoveToFront(el)
		up := el.Value.(*unknownPeer)
		switch {
		case seqID < up.id:
			return false, false, MAC{}, false
		case seqID == up.id:
			if up.copies >= 2 {
				return false, false, MAC{}, false
			}
			up.copies++
			return false, up.copies < 2, MAC{}, false
		default:
			up.id = seqID
			up.copies = 1
			return true, true, MAC{}, false
		}
	}

	if t.order.Len() >= t.capacity {
		if oldest := t.order.Back(); oldest != nil {
			t.order.Remove(oldest)
			victim := oldest.Value.(*unknownPeer).mac
			delete(t.index, victim)
			evicted, evictedOK = victim, true
		}
	}

	el := t.order.PushFront(&unknownPeer{mac: mac, id: seqID, copies: 1})
	t.index[mac] = el
	return true, true, evicted, evictedOK
}
