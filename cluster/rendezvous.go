package cluster

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

type nodeMeta struct {
	ID   NodeID
	Addr string
	salt uint64 // per-node salt (pre-hashed ID)
}

// newMeta initializes rendezvous metadata with a precomputed salt derived
// from the node ID.
func newMeta(id NodeID, addr string) *nodeMeta {
	return &nodeMeta{
		ID: id, Addr: addr,
		salt: xxhash.Sum64String(string(id)),
	}
}

// affinity returns nodes ordered by rendezvous score for a 64-bit key
// hash, highest first. Node salt keeps per-node independence; ties break
// by ID so every node computes the same order. The first element is the
// key's primary.
func affinity(keyHash uint64, nodes []*nodeMeta) []*nodeMeta {
	out := make([]*nodeMeta, len(nodes))
	copy(out, nodes)
	sort.Slice(out, func(i, j int) bool {
		si, sj := mix64(keyHash^out[i].salt), mix64(keyHash^out[j].salt)
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// primary0 returns the head of an affinity ordering, or nil when the view
// is empty.
func primary0(ordered []*nodeMeta) *nodeMeta {
	if len(ordered) == 0 {
		return nil
	}
	return ordered[0]
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
