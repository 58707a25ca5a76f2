package mesh

import (
	"encoding/binary"
	"strconv"

	"github.com/LightningTH/itero/internal/store"
)

// Persistence keys. Peer records live under their decimal slot index
// ("0", "1", ...); countKey holds how many slots are in use so a reload
// knows where to stop, and broadcastKey holds the next outbound
// broadcast sequence number, since it must survive a reboot too or every
// restart would replay old broadcast IDs other peers have already seen.
const (
	countKey     = "count"
	broadcastKey = "broadcastid"
)

// persistedRecordSize is a peer's on-disk footprint: a 6-byte MAC
// followed by its 24-byte reset LFSR state (four uint32 registers).
// Transmit/receive LFSRs and sequence IDs are never persisted -- every
// peer starts in StateReset on load and must rekey before its first
// write, which is what lets the reset LFSR alone be enough to resume.
const persistedRecordSize = MACSize + 16

func marshalRecord(mac MAC, reset LFSRState) []byte {
	buf := make([]byte, persistedRecordSize)
	copy(buf[0:MACSize], mac[:])
	binary.LittleEndian.PutUint32(buf[6:10], reset.LFSR)
	binary.LittleEndian.PutUint32(buf[10:14], reset.LFSRRot)
	binary.LittleEndian.PutUint32(buf[14:18], reset.LFSRMask)
	binary.LittleEndian.PutUint32(buf[18:22], reset.LFSRRotMask)
	return buf
}

func unmarshalRecord(buf []byte) (MAC, LFSRState, bool) {
	if len(buf) < persistedRecordSize {
		return MAC{}, LFSRState{}, false
	}
	var mac MAC
	copy(mac[:], buf[0:MACSize])
	reset := LFSRState{
		LFSR:        binary.LittleEndian.Uint32(buf[6:10]),
		LFSRRot:     binary.LittleEndian.Uint32(buf[10:14]),
		LFSRMask:    binary.LittleEndian.Uint32(buf[14:18]),
		LFSRRotMask: binary.LittleEndian.Uint32(buf[18:22]),
	}
	return mac, reset, true
}

func loadCount(kv store.KV) int {
	buf, ok := kv.Get(countKey)
	if !ok || len(buf) == 0 {
		return 0
	}
	return int(buf[0])
}

func saveCount(kv store.KV, n int) error {
	return kv.Set(countKey, []byte{byte(n)})
}

// loadPersistedPeers reads every stored peer record back as a Peer in
// StateReset, the state every persisted peer resumes in: its identity
// and reset LFSR survived the reboot, but In/Out LFSRs and sequence
// counters did not, so a rekey handshake is required before the first
// write to it succeeds.
func loadPersistedPeers(kv store.KV) []*Peer {
	count := loadCount(kv)
	peers := make([]*Peer, 0, count)
	for i := 0; i < count; i++ {
		buf, ok := kv.Get(strconv.Itoa(i))
		if !ok {
			continue
		}
		mac, reset, ok := unmarshalRecord(buf)
		if !ok {
			continue
		}
		peers = append(peers, &Peer{
			MAC:       mac,
			State:     StateReset,
			ResetLFSR: reset,
		})
	}
	return peers
}

// savePeer writes p's MAC and reset LFSR to the slot matching its MAC,
// or appends a new slot if it isn't already persisted.
func savePeer(kv store.KV, p *Peer) error {
	count := loadCount(kv)
	for i := 0; i < count; i++ {
		buf, ok := kv.Get(strconv.Itoa(i))
		if !ok {
			continue
		}
		mac, _, ok := unmarshalRecord(buf)
		if ok && mac == p.MAC {
			return kv.Set(strconv.Itoa(i), marshalRecord(p.MAC, p.ResetLFSR))
		}
	}
	if err := kv.Set(strconv.Itoa(count), marshalRecord(p.MAC, p.ResetLFSR)); err != nil {
		return err
	}
	return saveCount(kv, count+1)
}

// deletePeer erases mac's persisted record, swapping the last slot into
// the freed one and shrinking count so slot indices stay dense -- the
// same compaction GetConnectedDevices-style traversal elsewhere in this
// package assumes.
func deletePeer(kv store.KV, mac MAC) error {
	count := loadCount(kv)
	idx := -1
	for i := 0; i < count; i++ {
		buf, ok := kv.Get(strconv.Itoa(i))
		if !ok {
			continue
		}
		if m, _, ok := unmarshalRecord(buf); ok && m == mac {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	last := count - 1
	if idx != last {
		buf, ok := kv.Get(strconv.Itoa(last))
		if ok {
			if err := kv.Set(strconv.Itoa(idx), buf); err != nil {
				return err
			}
		}
	}
	if err := kv.Delete(strconv.Itoa(last)); err != nil {
		return err
	}
	return saveCount(kv, last)
}

func loadBroadcastID(kv store.KV) uint32 {
	buf, ok := kv.Get(broadcastKey)
	if !ok || len(buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf)
}

func saveBroadcastID(kv store.KV, id uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	return kv.Set(broadcastKey, buf[:])
}

// wipeAll erases every persisted peer record and resets the broadcast
// counter, for ResetConnectionData.
func wipeAll(kv store.KV) error {
	count := loadCount(kv)
	for i := 0; i < count; i++ {
		_ = kv.Delete(strconv.Itoa(i))
	}
	if err := saveCount(kv, 0); err != nil {
		return err
	}
	return saveBroadcastID(kv, 0)
}
