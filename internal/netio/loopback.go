package netio

import (
	"context"

	"github.com/LightningTH/itero/internal/mesh"
)

// Medium is a shared, lossless broadcast channel connecting every
// LoopbackTransport attached to it. Every frame sent by one node is
// delivered to every other node's Recv, exactly like a radio frequency
// all peers share -- except reliable, which makes it useful for
// deterministic tests of the protocol layered on top but not for
// simulating real link loss (drop frames at the Send call site for
// that, see Medium.DropNext).
type Medium struct {
	subscribers map[mesh.MAC]chan []byte
	drop        func(from, to mesh.MAC, frame []byte) bool
}

// NewMedium creates an empty shared medium. drop, if non-nil, is
// consulted before every delivery and may return true to simulate a
// dropped frame (e.g. a lost ack in test S3).
func NewMedium(drop func(from, to mesh.MAC, frame []byte) bool) *Medium {
	return &Medium{subscribers: make(map[mesh.MAC]chan []byte), drop: drop}
}

// LoopbackTransport is a mesh.Transport backed by an in-memory Medium. It
// has no concept of promiscuous mode or frame-control filtering --
// anything sent on the medium is delivered verbatim to every other
// subscriber.
type LoopbackTransport struct {
	medium *Medium
	mac    mesh.MAC
	inbox  chan []byte
}

// NewLoopbackTransport attaches a new node with hardware address mac to
// medium.
func (m *Medium) NewLoopbackTransport(mac mesh.MAC) *LoopbackTransport {
	inbox := make(chan []byte, 64)
	m.subscribers[mac] = inbox
	return &LoopbackTransport{medium: m, mac: mac, inbox: inbox}
}

// LocalMAC returns the node's hardware address.
func (t *LoopbackTransport) LocalMAC() mesh.MAC {
	return t.mac
}

// Send delivers frame to every other subscriber on the medium.
func (t *LoopbackTransport) Send(frame []byte) error {
	f, err := mesh.UnmarshalFrame(frame)
	if err != nil {
		return err
	}
	cp := append([]byte(nil), frame...)
	for mac, inbox := range t.medium.subscribers {
		if mac == t.mac {
			continue
		}
		if !f.Receiver.IsBroadcast() && f.Receiver != mac {
			continue
		}
		if t.medium.drop != nil && t.medium.drop(t.mac, mac, cp) {
			continue
		}
		inbox <- cp
	}
	return nil
}

// Recv blocks until a frame arrives or ctx is done.
func (t *LoopbackTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.inbox:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
