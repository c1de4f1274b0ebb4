package cluster

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	near "github.com/unkn0wn-root/nearlock"
)

// miniFuture tracks the outstanding lock request to one peer: its request
// ID, the keys it carries, and exactly one terminal event. The received
// CAS guarantees that of {response, error, peer-left} only the first one
// observed takes effect.
type miniFuture[K comparable, V any] struct {
	id     uuid.UUID
	node   *nodeMeta
	keys   []K
	parent *LockFuture[K, V]

	received atomic.Bool
	done     atomic.Bool
	res      atomic.Bool
}

func newMiniFuture[K comparable, V any](parent *LockFuture[K, V], node *nodeMeta, keys []K) *miniFuture[K, V] {
	return &miniFuture[K, V]{
		id:     uuid.New(),
		node:   node,
		keys:   keys,
		parent: parent,
	}
}

func (m *miniFuture[K, V]) finish(ok bool) {
	m.res.Store(ok)
	m.done.Store(true)
	m.parent.childDone()
}

// onError terminates the mini with a transport or peer error. The
// lock-timeout sentinel resolves to a plain false outcome instead.
func (m *miniFuture[K, V]) onError(err error) {
	if !m.received.CompareAndSwap(false, true) {
		m.parent.log.Warn("error after mini future already resolved",
			zap.String("node", string(m.node.ID)), zap.Error(err))
		return
	}
	if isLockTimeout(err) {
		m.finish(false)
		return
	}
	m.parent.onError(err)
	m.finish(false)
}

// onNodeLeft terminates the mini because its peer departed: the peer is
// excluded from future mappings, the transaction's mapping for it is
// dropped, and the keys are re-mapped so fresh mini-futures take over.
// Resolves true so the compound waits on the replacements instead.
func (m *miniFuture[K, V]) onNodeLeft(err error) {
	m.parent.left.Store(m.node.ID, struct{}{})

	if m.parent.IsDone() {
		return
	}
	if !m.received.CompareAndSwap(false, true) {
		return
	}

	m.parent.log.Debug("peer left while waiting for lock reply, remapping",
		zap.String("node", string(m.node.ID)), zap.Error(err))
	m.parent.node.onRemap()

	if tx := m.parent.tx; tx != nil {
		tx.RemoveMapping(m.node.ID)
	}

	m.parent.mapKeys(m.keys, map[NodeID][]K{m.node.ID: m.keys})
	m.finish(true)
}

// onResponse consumes the peer's lock response: applies returned values
// and versions onto the near entries and resolves the mini.
func (m *miniFuture[K, V]) onResponse(resp *MsgLockResp) {
	if !m.received.CompareAndSwap(false, true) {
		m.parent.log.Warn("lock response after mini future already resolved",
			zap.String("node", string(m.node.ID)))
		return
	}

	if resp == nil {
		m.parent.onError(ErrNilLockResponse)
		m.finish(false)
		return
	}
	if resp.ErrTimeout {
		// Primary could not grant within the timeout: plain false result.
		m.finish(false)
		return
	}
	if resp.Err != "" {
		m.parent.onError(errors.New(resp.Err))
		m.finish(false)
		return
	}

	if err := m.parent.applyResponse(m.node.ID, m.keys, resp, false); err != nil {
		m.finish(false)
		return
	}
	m.finish(true)
}

// localFuture is the embedded future wrapping the DHT layer's local-node
// lock call; the compound aggregates it alongside remote mini-futures.
type localFuture[K comparable, V any] struct {
	keys []K

	received atomic.Bool
	done     atomic.Bool
	res      atomic.Bool
}

// lockLocally takes the local-primary shortcut: the DHT layer acquires
// the primary locks directly, and its response flows through the same
// applier as a remote one. No transport round-trip happens.
func (f *LockFuture[K, V]) lockLocally(nm *nodeMeta, keys []K, wantRets []bool, nearVers []near.Version) {
	lf := &localFuture[K, V]{keys: keys}
	f.addSlot(&futSlot[K, V]{local: lf})

	req := &lockReq[K, V]{
		requester: f.node.cfg.ID,
		owner:     f.owner,
		lockVer:   f.lockVer,
		timeoutMS: f.timeoutMS(),
		read:      f.read,
		keys:      keys,
		wantRet:   wantRets,
		nearVers:  nearVers,
		filter:    f.filter,
	}

	f.log.Debug("locking local primary mapping", zap.Int("keys", len(keys)), zap.Stringer("ver", f.lockVer))

	respCh := f.node.dht.LockAllAsync(req)
	go func() {
		resp := <-respCh
		f.onLocalResult(lf, nm.ID, resp)
	}()
}

// onLocalResult is the embedded future's completion: same terminal
// semantics as a remote mini, minus the peer-left path (the local node
// cannot leave its own topology).
func (f *LockFuture[K, V]) onLocalResult(lf *localFuture[K, V], from NodeID, resp *MsgLockResp) {
	if !lf.received.CompareAndSwap(false, true) {
		return
	}

	finish := func(ok bool) {
		lf.res.Store(ok)
		lf.done.Store(true)
		f.childDone()
	}

	if resp == nil {
		f.onError(ErrNilLockResponse)
		finish(false)
		return
	}
	if resp.ErrTimeout {
		finish(false)
		return
	}
	if resp.Err != "" {
		f.onError(errors.New(resp.Err))
		finish(false)
		return
	}

	f.log.Debug("acquired lock for local mapping", zap.Stringer("ver", f.lockVer))

	if err := f.applyResponse(from, lf.keys, resp, true); err != nil {
		finish(false)
		return
	}
	finish(true)
}
