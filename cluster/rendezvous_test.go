package cluster

import (
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func metas(ids ...string) []*nodeMeta {
	out := make([]*nodeMeta, 0, len(ids))
	for _, id := range ids {
		out = append(out, newMeta(NodeID(id), id))
	}
	return out
}

func TestAffinityDeterministic(t *testing.T) {
	nodes := metas("A", "B", "C")
	h := xxhash.Sum64String("some-key")

	first := affinity(h, nodes)
	for i := 0; i < 10; i++ {
		again := affinity(h, nodes)
		for j := range first {
			if first[j].ID != again[j].ID {
				t.Fatalf("affinity order unstable at %d: %v vs %v", j, first[j].ID, again[j].ID)
			}
		}
	}
	if primary0(first) == nil {
		t.Fatalf("no primary for non-empty view")
	}
}

func TestAffinityStableUnderUnrelatedRemoval(t *testing.T) {
	all := metas("A", "B", "C", "D")
	moved := 0
	total := 200

	for i := 0; i < total; i++ {
		h := xxhash.Sum64String(fmt.Sprintf("key-%d", i))
		before := primary0(affinity(h, all))

		if before.ID == "D" {
			continue
		}

		// Remove D: keys not owned by D must keep their primary.
		without := make([]*nodeMeta, 0, 3)
		for _, nm := range all {
			if nm.ID != "D" {
				without = append(without, nm)
			}
		}
		after := primary0(affinity(h, without))
		if after.ID != before.ID {
			moved++
		}
	}
	if moved != 0 {
		t.Fatalf("%d keys changed primary after removing an unrelated node", moved)
	}
}

func TestAffinityExcludedNodeNeverPrimary(t *testing.T) {
	nodes := metas("A", "B")
	for i := 0; i < 100; i++ {
		h := xxhash.Sum64String(fmt.Sprintf("key-%d", i))
		p := primary0(affinity(h, nodes[:1]))
		if p.ID != "A" {
			t.Fatalf("excluded node selected as primary")
		}
	}
	if primary0(affinity(1, nil)) != nil {
		t.Fatalf("primary from empty view")
	}
}
