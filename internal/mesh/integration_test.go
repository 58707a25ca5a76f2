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

// recordingSink collects every callback Mesh fires, guarded by a mutex
// since callbacks run on the ingress goroutine concurrently with test
// assertions.
type recordingSink struct {
	mu        sync.Mutex
	messages  [][]byte
	broadcast [][]byte
	pings     [][]byte
	connected []connectedEvent
	failed    []mesh.MAC

	messageCh chan []byte
	connCh    chan connectedEvent
}

type connectedEvent struct {
	mac     mesh.MAC
	name    string
	outcome mesh.ConnectOutcome
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messageCh: make(chan []byte, 8),
		connCh:    make(chan connectedEvent, 8),
	}
}

func (s *recordingSink) OnMessage(from mesh.MAC, data []byte) {
	s.mu.Lock()
	s.messages = append(s.messages, data)
	s.mu.Unlock()
	s.messageCh <- data
}

func (s *recordingSink) OnBroadcast(from mesh.MAC, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, data)
}

func (s *recordingSink) OnPing(from mesh.MAC, data []byte) {
	s.mu.Lock()
	s.pings = append(s.pings, data)
	s.mu.Unlock()
}

func (s *recordingSink) OnConnected(mac mesh.MAC, name string, outcome mesh.ConnectOutcome) {
	ev := connectedEvent{mac: mac, name: name, outcome: outcome}
	s.mu.Lock()
	s.connected = append(s.connected, ev)
	s.mu.Unlock()
	s.connCh <- ev
}

func (s *recordingSink) OnSendFailed(mac mesh.MAC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, mac)
}

func (s *recordingSink) waitConnected(t *testing.T, timeout time.Duration) connectedEvent {
	t.Helper()
	select {
	case ev := <-s.connCh:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for OnConnected")
		return connectedEvent{}
	}
}

func (s *recordingSink) waitMessage(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case data := <-s.messageCh:
		return data
	case <-time.After(timeout):
		t.Fatal("timed out waiting for OnMessage")
		return nil
	}
}

func newTestNode(t *testing.T, medium *netio.Medium, mac mesh.MAC, sink *recordingSink) *mesh.Mesh {
	t.Helper()
	transport := medium.NewLoopbackTransport(mac)
	m, err := mesh.New(mesh.Config{
		Transport:      transport,
		Store:          store.NewMemStore(),
		DHPrime:        2147483647,
		DHGenerator:    7,
		BroadcastSeed:  [2]uint32{0xaaaaaaaa, 0x55555555},
		BroadcastMask1: [3]uint8{1, 2, 3},
		BroadcastMask2: [3]uint8{5, 7, 9},
		Sink:           sink,
		CanBroadcast:   true,
	})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	return m
}

func runNode(ctx context.Context, t *testing.T, m *mesh.Mesh) {
	t.Helper()
	go func() {
		if err := m.Run(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("Run: %v", err)
		}
	}()
}

// TestHandshakeAndUnicastRoundTrip covers a fresh handshake followed by a
// single acknowledged unicast write (scenarios S1/S2).
func TestHandshakeAndUnicastRoundTrip(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macB := mesh.MAC{0, 0, 0, 0, 0, 2}
	medium := netio.NewMedium(nil)

	sinkA, sinkB := newRecordingSink(), newRecordingSink()
	a := newTestNode(t, medium, macA, sinkA)
	b := newTestNode(t, medium, macB, sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)
	runNode(ctx, t, b)

	if err := a.Connect(macB); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	evA := sinkA.waitConnected(t, 2*time.Second)
	if evA.outcome != mesh.ConnectSucceeded {
		t.Fatalf("A's connect outcome = %v, want ConnectSucceeded", evA.outcome)
	}
	evB := sinkB.waitConnected(t, 2*time.Second)
	if evB.outcome != mesh.ConnectSucceeded {
		t.Fatalf("B's connect outcome = %v, want ConnectSucceeded", evB.outcome)
	}

	if !a.IsDeviceKnown(macB) || !b.IsDeviceKnown(macA) {
		t.Fatal("both sides should know each other after a handshake")
	}

	if err := a.Write(macB, []byte("hello mesh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := sinkB.waitMessage(t, 2*time.Second)
	if string(got) != "hello mesh" {
		t.Fatalf("B received %q, want %q", got, "hello mesh")
	}

	// B's ack arriving back at A fires a zero-length OnMessage, the
	// signal that the pending write has been acknowledged (scenario S2).
	if ackSignal := sinkA.waitMessage(t, 2*time.Second); ackSignal != nil {
		t.Fatalf("A's ack signal = %v, want nil", ackSignal)
	}

	// The ack should clear A's pending write so a second Write succeeds
	// without ErrPreviousWriteNotComplete.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := a.Write(macB, []byte("second")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("A's first write never got acknowledged")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sinkB.waitMessage(t, 2*time.Second); string(got) != "second" {
		t.Fatalf("B received %q, want %q", got, "second")
	}
}

// TestAckLossTriggersRetransmit drops every ack frame from B back to A
// and checks that A's retransmit loop resends until B gets the message
// and A is told about the delivery anyway (since the data did arrive,
// only the ack path is broken, so this exercises the retry path without
// asserting on the eventual give-up).
func TestAckLossTriggersRetransmit(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macB := mesh.MAC{0, 0, 0, 0, 0, 2}

	var dropAcks bool
	var mu sync.Mutex
	medium := netio.NewMedium(func(from, to mesh.MAC, frame []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		return dropAcks && from == macB && to == macA
	})

	sinkA, sinkB := newRecordingSink(), newRecordingSink()
	a := newTestNode(t, medium, macA, sinkA)
	b := newTestNode(t, medium, macB, sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)
	runNode(ctx, t, b)

	if err := a.Connect(macB); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sinkA.waitConnected(t, 2*time.Second)
	sinkB.waitConnected(t, 2*time.Second)

	mu.Lock()
	dropAcks = true
	mu.Unlock()

	if err := a.Write(macB, []byte("retry me")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// B should see the message at least once despite every ack being
	// dropped; the retransmit loop keeps resending the unacknowledged
	// write, and B's duplicate-ack path keeps answering.
	if got := sinkB.waitMessage(t, 3*time.Second); string(got) != "retry me" {
		t.Fatalf("B received %q, want %q", got, "retry me")
	}

	mu.Lock()
	dropAcks = false
	mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := a.Write(macB, []byte("after recovery")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("A's pending write never cleared once acks stopped being dropped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestGracefulDisconnect covers scenario S6: Disconnect tears down both
// sides' records and notifies each sink.
func TestGracefulDisconnect(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macB := mesh.MAC{0, 0, 0, 0, 0, 2}
	medium := netio.NewMedium(nil)

	sinkA, sinkB := newRecordingSink(), newRecordingSink()
	a := newTestNode(t, medium, macA, sinkA)
	b := newTestNode(t, medium, macB, sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)
	runNode(ctx, t, b)

	if err := a.Connect(macB); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sinkA.waitConnected(t, 2*time.Second)
	sinkB.waitConnected(t, 2*time.Second)

	if err := a.Disconnect(macB); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.IsDeviceKnown(macA) {
		if time.Now().After(deadline) {
			t.Fatal("B never removed its record after receiving MSG_Disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.IsDeviceKnown(macB) {
		t.Error("A should have removed its own record immediately on Disconnect")
	}
}

// TestBroadcastPingDelivery covers scenario S5: a ping broadcast by one
// node reaches another with no prior handshake between them, which
// answers with its own ping data as a direct MSG_PingAck pong; A's sink
// is the one that observes OnPing, not B's -- MSG_Ping itself is never
// delivered to the application, only the reply is.
func TestBroadcastPingDelivery(t *testing.T) {
	t.Parallel()

	macA := mesh.MAC{0, 0, 0, 0, 0, 1}
	macB := mesh.MAC{0, 0, 0, 0, 0, 2}
	medium := netio.NewMedium(nil)

	sinkA, sinkB := newRecordingSink(), newRecordingSink()
	a := newTestNode(t, medium, macA, sinkA)
	b := newTestNode(t, medium, macB, sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runNode(ctx, t, a)
	runNode(ctx, t, b)

	b.SetPingData([]byte("pong-data"))
	if err := a.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sinkA.mu.Lock()
		n := len(sinkA.pings)
		var last []byte
		if n > 0 {
			last = sinkA.pings[n-1]
		}
		sinkA.mu.Unlock()
		if n > 0 {
			if string(last) != "pong-data" {
				t.Fatalf("A received pong payload %q, want %q", last, "pong-data")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("A never received B's pong reply")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sinkB.mu.Lock()
	n := len(sinkB.pings)
	sinkB.mu.Unlock()
	if n != 0 {
		t.Errorf("B should not fire OnPing for an inbound MSG_Ping, got %d", n)
	}
}
