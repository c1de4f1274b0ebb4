package cluster

import (
	"sync"
	"time"
)

// nodeLeftListener observes confirmed peer departures. The node wires the
// future registry in so in-flight lock attempts can remap.
type nodeLeftListener interface {
	OnNodeLeft(id NodeID) bool
}

// topology is the cluster membership view plus the monotonically
// increasing topology version. The version bumps on every membership
// change; lock attempts freeze one version for their whole lifetime by
// holding the read lock across a single mapping pass.
type topology struct {
	mu    sync.RWMutex
	peers map[NodeID]*nodeMeta
	seen  map[NodeID]int64
	ver   int64
	epoch uint64

	listener nodeLeftListener
}

func newTopology() *topology {
	return &topology{
		peers: make(map[NodeID]*nodeMeta),
		seen:  make(map[NodeID]int64),
	}
}

// ReadLock freezes the view for the duration of one mapping pass. Nodes
// joining mid-map are not visible to the holder.
func (t *topology) ReadLock()   { t.mu.RLock() }
func (t *topology) ReadUnlock() { t.mu.RUnlock() }

// Version returns the current topology version. Callers wanting a stable
// snapshot must hold the read lock.
func (t *topology) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ver
}

// versionLocked is Version for callers already holding the read lock.
func (t *topology) versionLocked() int64 { return t.ver }

// AllNodes returns the node view for the held snapshot. Callers must hold
// the read lock; the returned slice is freshly allocated and stays valid
// after unlock.
func (t *topology) AllNodes() []*nodeMeta {
	out := make([]*nodeMeta, 0, len(t.peers))
	for _, nm := range t.peers {
		out = append(out, nm)
	}
	return out
}

func (t *topology) SetNodeLeftListener(l nodeLeftListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// ensure adds a node when absent, bumping the topology version, and
// refreshes its last-seen timestamp.
func (t *topology) ensure(id NodeID, addr string) {
	t.mu.Lock()
	if _, ok := t.peers[id]; !ok {
		t.peers[id] = newMeta(id, addr)
		t.ver++
	}
	t.seen[id] = time.Now().UnixNano()
	t.mu.Unlock()
}

// integrate merges gossip from a peer: updates addresses, seen timestamps,
// and tracks the highest epoch to detect cluster resyncs.
func (t *topology) integrate(from NodeID, addr string, peers []PeerInfo, seen map[string]int64, epoch uint64, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch > t.epoch {
		t.epoch = epoch
	}

	if _, ok := t.peers[from]; !ok {
		t.peers[from] = newMeta(from, addr)
		t.ver++
	} else {
		t.peers[from].Addr = addr
	}
	t.seen[from] = now

	for _, p := range peers {
		id := NodeID(p.ID)
		if _, ok := t.peers[id]; !ok {
			t.peers[id] = newMeta(id, p.Addr)
			t.ver++
		}
	}

	// merge remote observations: keep the freshest timestamp per node.
	for k, ts := range seen {
		id := NodeID(k)
		if old, ok := t.seen[id]; !ok || ts > old {
			t.seen[id] = ts
		}
	}
}

// remove drops a departed node, bumps the topology version, and notifies
// the node-left listener outside the lock.
func (t *topology) remove(id NodeID) bool {
	t.mu.Lock()
	_, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
		delete(t.seen, id)
		t.ver++
	}
	l := t.listener
	t.mu.Unlock()

	if ok && l != nil {
		l.OnNodeLeft(id)
	}
	return ok
}

// suspects returns nodes not seen within suspicionAfter, excluding self.
func (t *topology) suspects(self NodeID, now int64, suspicionAfter time.Duration) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	threshold := now - suspicionAfter.Nanoseconds()
	var out []NodeID
	for id := range t.peers {
		if id == self {
			continue
		}
		if t.seen[id] < threshold {
			out = append(out, id)
		}
	}
	return out
}

// snapshot returns copies of the peer and seen maps with the epoch, for
// gossip assembly without holding locks.
func (t *topology) snapshot() ([]PeerInfo, map[string]int64, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(t.peers))
	for _, nm := range t.peers {
		peers = append(peers, PeerInfo{ID: string(nm.ID), Addr: nm.Addr})
	}
	seen := make(map[string]int64, len(t.seen))
	for id, ts := range t.seen {
		seen[string(id)] = ts
	}
	return peers, seen, t.epoch
}

// addrOf resolves a node's address, ok=false when unknown.
func (t *topology) addrOf(id NodeID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nm, ok := t.peers[id]
	if !ok {
		return "", false
	}
	return nm.Addr, true
}
