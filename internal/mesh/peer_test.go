package mesh

import "testing"

func TestPeerTableInsertFindRemove(t *testing.T) {
	t.Parallel()

	pt := newPeerTable()
	mac := MAC{1, 2, 3, 4, 5, 6}
	if pt.find(mac) != nil {
		t.Fatal("find returned a peer before any insert")
	}

	pt.insert(&Peer{MAC: mac, State: StateConnected})
	got := pt.find(mac)
	if got == nil || got.MAC != mac {
		t.Fatalf("find after insert = %v, want peer with MAC %v", got, mac)
	}

	if pt.count() != 1 {
		t.Errorf("count() = %d, want 1", pt.count())
	}

	if !pt.remove(mac) {
		t.Error("remove reported false for a known peer")
	}
	if pt.find(mac) != nil {
		t.Error("find still returned the peer after remove")
	}
	if pt.remove(mac) {
		t.Error("remove reported true for an already-removed peer")
	}
}

func TestPeerTableInsertIgnoresDuplicateMAC(t *testing.T) {
	t.Parallel()

	pt := newPeerTable()
	mac := MAC{1, 1, 1, 1, 1, 1}
	pt.insert(&Peer{MAC: mac, State: StateConnecting})
	pt.insert(&Peer{MAC: mac, State: StateConnected})

	if pt.count() != 1 {
		t.Fatalf("count() = %d, want 1 after inserting the same MAC twice", pt.count())
	}
	if got := pt.find(mac); got.State != StateConnecting {
		t.Error("second insert replaced the first peer's record")
	}
}

func TestPeerTableAllReturnsEveryPeer(t *testing.T) {
	t.Parallel()

	pt := newPeerTable()
	want := map[MAC]bool{}
	for i := byte(0); i < 20; i++ {
		mac := MAC{0, 0, 0, 0, 0, i}
		pt.insert(&Peer{MAC: mac})
		want[mac] = true
	}

	for _, p := range pt.all() {
		delete(want, p.MAC)
	}
	if len(want) != 0 {
		t.Errorf("all() missed %d peers", len(want))
	}
}

func TestUnknownTableEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ut := newUnknownTable(3)
	macs := []MAC{{1}, {2}, {3}}
	for i, m := range macs {
		if _, ok := ut.upsert(m, uint32(i)); ok {
			t.Fatalf("unexpected eviction while filling an empty table (mac %d)", i)
		}
	}

	// Touch mac[0] so it's no longer the least recently used.
	if _, ok := ut.find(macs[0]); !ok {
		t.Fatal("find missed a present entry")
	}

	evicted, ok := ut.upsert(MAC{4}, 99)
	if !ok {
		t.Fatal("upsert on a full table did not report an eviction")
	}
	if evicted != macs[1] {
		t.Errorf("evicted %v, want %v (the least recently touched entry)", evicted, macs[1])
	}

	if _, ok := ut.find(macs[1]); ok {
		t.Error("evicted entry is still findable")
	}
	if _, ok := ut.find(macs[0]); !ok {
		t.Error("recently touched entry was evicted instead")
	}
}

func TestUnknownTableUpsertUpdatesExisting(t *testing.T) {
	t.Parallel()

	ut := newUnknownTable(2)
	mac := MAC{7}
	ut.upsert(mac, 1)
	if _, ok := ut.upsert(mac, 2); ok {
		t.Fatal("upsert reported an eviction when updating an existing entry")
	}

	id, ok := ut.find(mac)
	if !ok || id != 2 {
		t.Errorf("find after update = (%d, %v), want (2, true)", id, ok)
	}
}
