package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LightningTH/itero/internal/mesh"
	"github.com/LightningTH/itero/internal/netio"
	"github.com/LightningTH/itero/internal/store"
)

// recordingMetrics collects every MetricsReporter call for assertions.
type recordingMetrics struct {
	mu          sync.Mutex
	sent        []mesh.MessageType
	dropped     []string
	retransmits int
	relayed     int
}

func (r *recordingMetrics) FrameSent(_ mesh.MAC, msgType mesh.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msgType)
}

func (r *recordingMetrics) FrameDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, reason)
}

func (r *recordingMetrics) Retransmit(mesh.MAC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retransmits++
}

func (r *recordingMetrics) BroadcastRelayed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed++
}

func (r *recordingMetrics) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// TestMetricsReporterCountsSentFrames checks that a handshake and a ping
// broadcast each drive FrameSent on the reporter supplied via Config.
func TestMetricsReporterCountsSentFrames(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macB := mesh.MAC{0, 0, 0, 0, 0, 2}
	medium := netio.NewMedium(nil)

	recA := &recordingMetrics{}
	transportA := medium.NewLoopbackTransport(macA)
	a, err := mesh.New(mesh.Config{
		Transport:      transportA,
		Store:          store.NewMemStore(),
		DHPrime:        2147483647,
		DHGenerator:    7,
		BroadcastSeed:  [2]uint32{0xaaaaaaaa, 0x55555555},
		BroadcastMask1: [3]uint8{1, 2, 3},
		BroadcastMask2: [3]uint8{5, 7, 9},
		CanBroadcast:   true,
		Metrics:        recA,
	})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}

	sinkB := newRecordingSink()
	b := newTestNode(t, medium, macB, sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)
	runNode(ctx, t, b)

	if err := a.Connect(macB); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sinkB.waitConnected(t, 2*time.Second)

	if err := a.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for recA.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no FrameSent events recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	recA.mu.Lock()
	defer recA.mu.Unlock()
	var sawConnectRequest, sawPing bool
	for _, typ := range recA.sent {
		switch typ {
		case mesh.MsgConnectRequest:
			sawConnectRequest = true
		case mesh.MsgPing:
			sawPing = true
		}
	}
	if !sawConnectRequest {
		t.Error("expected a MsgConnectRequest FrameSent event")
	}
	if !sawPing {
		t.Error("expected a MsgPing FrameSent event")
	}
}

// TestMetricsReporterCountsDroppedFrames checks that a well-addressed
// frame carrying a non-mesh message type is counted as dropped rather
// than dispatched. The loopback transport filters by destination MAC
// before delivery, so this is the one drop path a frame can reach
// through it without reaching inside the transport's unexported state.
func TestMetricsReporterCountsDroppedFrames(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macAttacker := mesh.MAC{0, 0, 0, 0, 0, 9}
	medium := netio.NewMedium(nil)

	recA := &recordingMetrics{}
	transportA := medium.NewLoopbackTransport(macA)
	a, err := mesh.New(mesh.Config{
		Transport:      transportA,
		Store:          store.NewMemStore(),
		DHPrime:        2147483647,
		DHGenerator:    7,
		BroadcastSeed:  [2]uint32{0xaaaaaaaa, 0x55555555},
		BroadcastMask1: [3]uint8{1, 2, 3},
		BroadcastMask2: [3]uint8{5, 7, 9},
		CanBroadcast:   true,
		Metrics:        recA,
	})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)

	attacker := medium.NewLoopbackTransport(macAttacker)
	f := mesh.Frame{Receiver: macA, Sender: macAttacker, Type: mesh.MessageType(0x10)}
	raw, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if err := attacker.Send(raw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recA.mu.Lock()
		n := len(recA.dropped)
		var reasons []string
		reasons = append(reasons, recA.dropped...)
		recA.mu.Unlock()
		if n > 0 {
			if reasons[0] != "bad_type" {
				t.Fatalf("dropped reason = %q, want %q", reasons[0], "bad_type")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a FrameDropped(\"bad_type\") event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
