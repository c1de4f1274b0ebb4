package cluster

import (
	"testing"
	"time"
)

type leftRecorder struct {
	left []NodeID
}

func (r *leftRecorder) OnNodeLeft(id NodeID) bool {
	r.left = append(r.left, id)
	return true
}

func TestTopologyVersionBumpsOnMembershipChange(t *testing.T) {
	topo := newTopology()

	v0 := topo.Version()
	topo.ensure("A", "a:1")
	v1 := topo.Version()
	if v1 <= v0 {
		t.Fatalf("version not bumped on join: %d -> %d", v0, v1)
	}

	// Re-ensuring a known node is not a membership change.
	topo.ensure("A", "a:1")
	if topo.Version() != v1 {
		t.Fatalf("version bumped on no-op ensure")
	}

	topo.ensure("B", "b:1")
	v2 := topo.Version()
	if v2 <= v1 {
		t.Fatalf("version not bumped on second join")
	}

	if !topo.remove("B") {
		t.Fatalf("remove of known node failed")
	}
	if topo.Version() <= v2 {
		t.Fatalf("version not bumped on leave")
	}
	if topo.remove("B") {
		t.Fatalf("second remove of same node succeeded")
	}
}

func TestTopologyRemoveNotifiesListener(t *testing.T) {
	topo := newTopology()
	rec := &leftRecorder{}
	topo.SetNodeLeftListener(rec)

	topo.ensure("A", "a:1")
	topo.remove("A")

	if len(rec.left) != 1 || rec.left[0] != "A" {
		t.Fatalf("listener not notified: %+v", rec.left)
	}
}

func TestTopologyIntegrateAndSuspects(t *testing.T) {
	topo := newTopology()
	now := time.Now().UnixNano()

	topo.integrate("A", "a:1", []PeerInfo{{ID: "B", Addr: "b:1"}}, map[string]int64{"B": now}, 10, now)

	if topo.epoch != 10 {
		t.Fatalf("epoch not updated: %d", topo.epoch)
	}
	if addr, ok := topo.addrOf("B"); !ok || addr != "b:1" {
		t.Fatalf("peer B not learned from gossip")
	}

	// lower epoch should not decrease stored epoch.
	topo.integrate("A", "a:1", nil, nil, 5, now)
	if topo.epoch != 10 {
		t.Fatalf("epoch regressed: %d", topo.epoch)
	}

	if s := topo.suspects("self", now, time.Second); len(s) != 0 {
		t.Fatalf("fresh nodes suspected: %v", s)
	}

	topo.mu.Lock()
	topo.seen["B"] = now - int64(10*time.Second)
	topo.mu.Unlock()

	s := topo.suspects("self", now, time.Second)
	if len(s) != 1 || s[0] != "B" {
		t.Fatalf("stale node not suspected: %v", s)
	}
}

func TestTopologySnapshotIsolated(t *testing.T) {
	topo := newTopology()
	topo.ensure("A", "a:1")

	topo.ReadLock()
	nodes := topo.AllNodes()
	ver := topo.versionLocked()
	topo.ReadUnlock()

	topo.ensure("B", "b:1")

	if len(nodes) != 1 {
		t.Fatalf("snapshot grew after unlock: %d", len(nodes))
	}
	if topo.Version() <= ver {
		t.Fatalf("live version must advance past snapshot")
	}
}
