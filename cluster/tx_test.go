package cluster

import (
	"testing"

	near "github.com/unkn0wn-root/nearlock"
)

func TestTxTopologyVersionPinnedOnce(t *testing.T) {
	clock := near.NewClock()
	tx := newTx[string](clock.NewVersion(), 1, TxOptions{})

	if got := tx.TopologyVersion(5); got != 5 {
		t.Fatalf("first call must pin: got %d", got)
	}
	if got := tx.TopologyVersion(9); got != 5 {
		t.Fatalf("later call must return pinned version: got %d", got)
	}
}

func TestTxMarkExplicitOnce(t *testing.T) {
	clock := near.NewClock()
	tx := newTx[string](clock.NewVersion(), 1, TxOptions{})

	if !tx.MarkExplicit("B") {
		t.Fatalf("first mark must succeed")
	}
	if tx.MarkExplicit("B") {
		t.Fatalf("second mark must be a no-op")
	}
	if !tx.Explicit("B") || tx.Explicit("C") {
		t.Fatalf("explicit set wrong")
	}
}

func TestTxMappings(t *testing.T) {
	clock := near.NewClock()
	tx := newTx[string](clock.NewVersion(), 1, TxOptions{})

	tx.AddKeyMapping(map[NodeID][]string{"B": {"k1"}, "C": {"k2"}})
	tx.AddKeyMapping(map[NodeID][]string{"B": {"k3"}})

	m := tx.Mappings()
	if len(m["B"]) != 2 || len(m["C"]) != 1 {
		t.Fatalf("mappings merged wrong: %+v", m)
	}

	tx.RemoveMapping("B")
	if _, ok := tx.Mappings()["B"]; ok {
		t.Fatalf("mapping not removed")
	}
}

func TestTxRollbackOnlyLatches(t *testing.T) {
	clock := near.NewClock()
	tx := newTx[string](clock.NewVersion(), 1, TxOptions{})

	if tx.RollbackOnly() {
		t.Fatalf("fresh tx rollback-only")
	}
	if !tx.SetRollbackOnly() {
		t.Fatalf("first set must flip")
	}
	if tx.SetRollbackOnly() {
		t.Fatalf("second set must report already-set")
	}
	if !tx.RollbackOnly() {
		t.Fatalf("flag lost")
	}
}

func TestTxManagerBinding(t *testing.T) {
	clock := near.NewClock()
	tm := newTxManager[string]()
	tx := newTx[string](clock.NewVersion(), 42, TxOptions{})

	tm.TxContext(tx)
	if got, ok := tm.Current(42); !ok || got != tx {
		t.Fatalf("tx not bound")
	}
	tm.Clear(42)
	if _, ok := tm.Current(42); ok {
		t.Fatalf("tx not cleared")
	}
}
