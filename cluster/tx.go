package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	near "github.com/unkn0wn-root/nearlock"
)

// Isolation selects transaction isolation for lock requests.
type Isolation uint8

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// TxOptions configure a transaction at Begin time.
type TxOptions struct {
	Implicit       bool
	ImplicitSingle bool
	EC             bool // eventually-consistent mode
	Invalidate     bool
	SyncCommit     bool
	SyncRollback   bool
	Isolation      Isolation
}

// Tx is the enclosing transaction state a lock attempt may run inside.
// The attempt reuses the xid version as its lock version, records per-node
// key mappings on the transaction, and marks it rollback-only on failure
// so release is deferred to the rollback path.
type Tx[K comparable] struct {
	xid    near.Version
	minVer near.Version
	owner  uint64
	opts   TxOptions

	topVer atomic.Int64

	mu       sync.Mutex
	mappings map[NodeID][]K
	explicit map[NodeID]bool

	rollbackOnly atomic.Bool
}

func newTx[K comparable](xid near.Version, owner uint64, opts TxOptions) *Tx[K] {
	t := &Tx[K]{
		xid:      xid,
		minVer:   xid,
		owner:    owner,
		opts:     opts,
		mappings: make(map[NodeID][]K),
		explicit: make(map[NodeID]bool),
	}
	t.topVer.Store(-1)
	return t
}

func (t *Tx[K]) XidVersion() near.Version { return t.xid }

// MinVersion is the lower bound for completed-version visibility when
// reconciling primary responses.
func (t *Tx[K]) MinVersion() near.Version { return t.minVer }

func (t *Tx[K]) Owner() uint64 { return t.owner }

func (t *Tx[K]) Implicit() bool       { return t.opts.Implicit }
func (t *Tx[K]) ImplicitSingle() bool { return t.opts.ImplicitSingle }
func (t *Tx[K]) EC() bool             { return t.opts.EC }
func (t *Tx[K]) IsInvalidate() bool   { return t.opts.Invalidate }
func (t *Tx[K]) SyncCommit() bool     { return t.opts.SyncCommit }
func (t *Tx[K]) SyncRollback() bool   { return t.opts.SyncRollback }
func (t *Tx[K]) Isolation() Isolation { return t.opts.Isolation }

// TopologyVersion pins the transaction to cur on first call and returns
// the pinned version; later calls ignore cur.
func (t *Tx[K]) TopologyVersion(cur int64) int64 {
	if t.topVer.CompareAndSwap(-1, cur) {
		return cur
	}
	return t.topVer.Load()
}

// AddKeyMapping merges per-node key groups produced by a mapping pass.
func (t *Tx[K]) AddKeyMapping(m map[NodeID][]K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n, keys := range m {
		t.mappings[n] = append(t.mappings[n], keys...)
	}
}

// RemoveMapping drops the key group for a departed node.
func (t *Tx[K]) RemoveMapping(n NodeID) {
	t.mu.Lock()
	delete(t.mappings, n)
	delete(t.explicit, n)
	t.mu.Unlock()
}

// MarkExplicit records that a lock on node n was acquired outside the
// transaction's normal enlistment flow.
func (t *Tx[K]) MarkExplicit(n NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.explicit[n] {
		return false
	}
	t.explicit[n] = true
	return true
}

// Explicit reports whether node n carries an explicit mark.
func (t *Tx[K]) Explicit(n NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.explicit[n]
}

// Mappings returns a snapshot of the per-node key groups.
func (t *Tx[K]) Mappings() map[NodeID][]K {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[NodeID][]K, len(t.mappings))
	for n, keys := range t.mappings {
		out[n] = append([]K(nil), keys...)
	}
	return out
}

// SetRollbackOnly marks the transaction rollback-only; reports whether
// this call flipped it.
func (t *Tx[K]) SetRollbackOnly() bool {
	return t.rollbackOnly.CompareAndSwap(false, true)
}

func (t *Tx[K]) RollbackOnly() bool { return t.rollbackOnly.Load() }

// txManager binds each logical owner to its current transaction. A lock
// attempt re-binds its transaction on completion so the caller's next
// operation observes the same context.
type txManager[K comparable] struct {
	cur *xsync.MapOf[uint64, *Tx[K]]
}

func newTxManager[K comparable]() *txManager[K] {
	return &txManager[K]{cur: xsync.NewMapOf[uint64, *Tx[K]]()}
}

// TxContext binds tx as the owner's current transaction.
func (m *txManager[K]) TxContext(t *Tx[K]) {
	if t != nil {
		m.cur.Store(t.Owner(), t)
	}
}

// Current returns the owner's bound transaction, if any.
func (m *txManager[K]) Current(owner uint64) (*Tx[K], bool) {
	return m.cur.Load(owner)
}

// Clear unbinds the owner's transaction.
func (m *txManager[K]) Clear(owner uint64) {
	m.cur.Delete(owner)
}
