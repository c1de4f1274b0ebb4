package cluster

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	near "github.com/unkn0wn-root/nearlock"
)

// LockOptions configure one lock acquisition attempt.
type LockOptions[K comparable, V any] struct {
	// Owner identifies the logical lock owner for reentry decisions.
	// Ignored when Tx is set (the transaction's owner is used).
	Owner uint64
	// Tx makes the acquisition part of a transaction: the tx's xid version
	// becomes the lock version and release defers to the rollback path.
	Tx *Tx[K]
	// Read requests shared instead of exclusive locks.
	Read bool
	// RetVal asks primaries to return current values with the locks.
	RetVal bool
	// Timeout bounds the attempt: negative fails immediately when a lock
	// is unavailable, zero waits indefinitely.
	Timeout time.Duration
	// Filter must pass for every enlisted entry or the attempt fails.
	Filter Filter[K, V]
}

type valTuple[V any] struct {
	ver near.Version
	val V
	b   []byte
}

// futSlot is one aggregated child of a compound attempt: either the
// remote mini-future for one peer or the embedded local-primary future.
// Exactly one field is set.
type futSlot[K comparable, V any] struct {
	mini  *miniFuture[K, V]
	local *localFuture[K, V]
}

func (s *futSlot[K, V]) finished() bool {
	if s.mini != nil {
		return s.mini.done.Load()
	}
	return s.local.done.Load()
}

func (s *futSlot[K, V]) result() bool {
	if s.mini != nil {
		return s.mini.res.Load()
	}
	return s.local.res.Load()
}

// LockFuture is a compound lock acquisition attempt: it partitions keys by
// primary, enlists near entries, fans lock requests out to peers, applies
// their responses, and resolves once every key is locked locally or any
// fatal condition fires. It is driven entirely by external events
// (transport callbacks, the timeout wheel, membership changes); no thread
// blocks inside it.
type LockFuture[K comparable, V any] struct {
	node *Node[K, V]
	log  *zap.Logger

	keys    []K
	tx      *Tx[K]
	owner   uint64
	read    bool
	retval  bool
	timeout time.Duration
	filter  Filter[K, V]

	lockVer near.Version
	futID   uuid.UUID

	topVer atomic.Int64

	entriesMu sync.Mutex
	entries   []*near.Entry[K, V]

	valMap *xsync.MapOf[K, valTuple[V]]
	left   *xsync.MapOf[NodeID, struct{}]

	slotsMu sync.Mutex
	slots   []*futSlot[K, V]

	initialized atomic.Bool
	timedOut    atomic.Bool
	trackable   atomic.Bool
	cancelled   atomic.Bool

	errSet atomic.Bool
	errVal atomic.Pointer[error]

	doneFlag atomic.Bool
	result   atomic.Bool
	doneCh   chan struct{}

	timeoutObj *lockTimeoutObj[K, V]
}

func newLockFuture[K comparable, V any](n *Node[K, V], keys []K, opts LockOptions[K, V]) *LockFuture[K, V] {
	f := &LockFuture[K, V]{
		node:    n,
		log:     n.log,
		keys:    keys,
		tx:      opts.Tx,
		owner:   opts.Owner,
		read:    opts.Read,
		retval:  opts.RetVal,
		timeout: opts.Timeout,
		filter:  opts.Filter,
		futID:   uuid.New(),
		valMap:  xsync.NewMapOf[K, valTuple[V]](),
		left:    xsync.NewMapOf[NodeID, struct{}](),
		doneCh:  make(chan struct{}),
	}
	f.topVer.Store(-1)
	f.trackable.Store(true)

	if f.tx != nil {
		f.owner = f.tx.Owner()
		f.lockVer = f.tx.XidVersion()
	} else {
		f.lockVer = n.clock.NewVersion()
	}
	return f
}

// FutureID identifies this attempt in the future registry.
func (f *LockFuture[K, V]) FutureID() uuid.UUID { return f.futID }

// LockVersion is the version every candidate of this attempt carries.
func (f *LockFuture[K, V]) LockVersion() near.Version { return f.lockVer }

// TopologyVersion returns the topology snapshot this attempt mapped
// against, or -1 before the first mapping pass.
func (f *LockFuture[K, V]) TopologyVersion() int64 { return f.topVer.Load() }

func (f *LockFuture[K, V]) Trackable() bool { return f.trackable.Load() }

// MarkNotTrackable stops owner-change notifications for this attempt.
func (f *LockFuture[K, V]) MarkNotTrackable() { f.trackable.Store(false) }

func (f *LockFuture[K, V]) IsDone() bool { return f.doneFlag.Load() }

// Done is closed when the attempt reaches a terminal state.
func (f *LockFuture[K, V]) Done() <-chan struct{} { return f.doneCh }

// Wait blocks until the attempt resolves or ctx expires. The bool result
// reports whether all locks were acquired; a timed-out attempt returns
// (false, nil), never an error.
func (f *LockFuture[K, V]) Wait(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-f.doneCh:
	}
	if p := f.errVal.Load(); p != nil {
		return false, *p
	}
	return f.result.Load(), nil
}

func (f *LockFuture[K, V]) inTx() bool { return f.tx != nil }

func (f *LockFuture[K, V]) ec() bool { return f.tx != nil && f.tx.EC() }

func (f *LockFuture[K, V]) implicitSingle() bool { return f.tx != nil && f.tx.ImplicitSingle() }

func (f *LockFuture[K, V]) timeoutMS() int64 {
	if f.timeout < 0 {
		return -1
	}
	return f.timeout.Milliseconds()
}

func (f *LockFuture[K, V]) entriesCopy() []*near.Entry[K, V] {
	f.entriesMu.Lock()
	defer f.entriesMu.Unlock()
	return append([]*near.Entry[K, V](nil), f.entries...)
}

func (f *LockFuture[K, V]) appendEntry(e *near.Entry[K, V]) {
	f.entriesMu.Lock()
	f.entries = append(f.entries, e)
	f.entriesMu.Unlock()
}

// replaceEntry swaps the enlisted entry for key with its re-created
// successor, keeping indices stable for response correlation.
func (f *LockFuture[K, V]) replaceEntry(key K, e *near.Entry[K, V]) {
	f.entriesMu.Lock()
	for i, old := range f.entries {
		if old.Key() == key {
			f.entries[i] = e
			break
		}
	}
	f.entriesMu.Unlock()
}

func (f *LockFuture[K, V]) addSlot(s *futSlot[K, V]) {
	f.slotsMu.Lock()
	f.slots = append(f.slots, s)
	f.slotsMu.Unlock()
}

func (f *LockFuture[K, V]) hasPending() bool {
	f.slotsMu.Lock()
	defer f.slotsMu.Unlock()
	for _, s := range f.slots {
		if !s.finished() {
			return true
		}
	}
	return false
}

// miniByID returns the remote mini-future with the given ID.
func (f *LockFuture[K, V]) miniByID(id uuid.UUID) *miniFuture[K, V] {
	f.slotsMu.Lock()
	defer f.slotsMu.Unlock()
	for _, s := range f.slots {
		if s.mini != nil && s.mini.id == id {
			return s.mini
		}
	}
	return nil
}

// onError records the first non-sentinel error and fails the attempt. The
// lock-timeout sentinel is swallowed: the attempt still fails, but the
// caller observes a plain false result.
func (f *LockFuture[K, V]) onError(err error) {
	if isLockTimeout(err) {
		err = nil
	}
	if f.errSet.CompareAndSwap(false, true) {
		if err != nil {
			f.errVal.Store(&err)
		}
		f.onComplete(false, true)
	}
}

// onFailed undoes acquired locks and fails the attempt. dist controls
// whether remote peers are asked to release as well.
func (f *LockFuture[K, V]) onFailed(dist bool) {
	f.undoLocks(dist)
	f.onComplete(false, dist)
}

// Cancel aborts the attempt. Responses arriving afterwards are discarded.
func (f *LockFuture[K, V]) Cancel() bool {
	if !f.cancelled.CompareAndSwap(false, true) {
		return f.IsDone()
	}
	f.onError(ErrFutureCancelled)
	return true
}

// onOwnerChanged handles an entry lock ownership change. A new owner
// carrying this attempt's version is what completion waits for, so the
// attempt re-evaluates immediately instead of waiting for the next
// response; any other owner is ignored.
func (f *LockFuture[K, V]) onOwnerChanged(e *near.Entry[K, V], owner *near.Candidate) bool {
	if owner != nil && owner.Ver.Equal(f.lockVer) {
		return f.checkLocks()
	}
	return false
}

// onNodeLeft delivers a peer departure to the mini-future mapped to that
// node. Reports false when this attempt holds no mapping for it.
func (f *LockFuture[K, V]) onNodeLeft(id NodeID) bool {
	f.slotsMu.Lock()
	var hit *miniFuture[K, V]
	for _, s := range f.slots {
		if s.mini != nil && s.mini.node.ID == id && !s.mini.received.Load() {
			hit = s.mini
			break
		}
	}
	f.slotsMu.Unlock()

	if hit == nil {
		return false
	}
	f.log.Debug("peer left with outstanding lock request, remapping",
		zap.String("node", string(id)), zap.Stringer("ver", f.lockVer))
	hit.onNodeLeft(newTopologyError(id, ErrPeerClosed))
	return true
}

// onResponse routes a peer's lock response to its mini-future.
func (f *LockFuture[K, V]) onResponse(from NodeID, resp *MsgLockResp) {
	if f.IsDone() {
		f.log.Debug("ignoring lock response, future is done", zap.String("from", string(from)))
		return
	}
	mid, err := uuid.FromBytes(resp.MiniID)
	if err != nil {
		f.log.Warn("lock response with malformed mini id", zap.String("from", string(from)))
		return
	}
	if m := f.miniByID(mid); m != nil {
		m.onResponse(resp)
		return
	}
	f.log.Warn("no mini future for lock response (stale message?)",
		zap.String("from", string(from)))
}

// childDone re-evaluates the attempt after a child future finished: all
// children resolved true gates into checkLocks; any false child fails the
// attempt with a plain false result.
func (f *LockFuture[K, V]) childDone() {
	if !f.initialized.Load() || f.IsDone() {
		return
	}

	f.slotsMu.Lock()
	allDone, allOK := true, true
	for _, s := range f.slots {
		if !s.finished() {
			allDone = false
			break
		}
		if !s.result() {
			allOK = false
		}
	}
	f.slotsMu.Unlock()

	if !allDone {
		return
	}
	if !allOK {
		f.onComplete(false, true)
		return
	}
	f.checkLocks()
}

// checkLocks completes the attempt once every enlisted entry is locked by
// this attempt's version (or owner) and still passes the filter. Entries
// removed concurrently are re-fetched in place.
func (f *LockFuture[K, V]) checkLocks() bool {
	if f.IsDone() || !f.initialized.Load() || f.hasPending() {
		return false
	}

	for _, e := range f.entriesCopy() {
		for {
			if e.Obsolete() {
				fresh := f.node.near.EntryExx(e.Key())
				f.replaceEntry(e.Key(), fresh)
				e = fresh
				continue
			}
			if !f.filter.pass(e) {
				f.log.Debug("filter failed during lock check", zap.Stringer("ver", f.lockVer))
				f.onFailed(true)
				return false
			}
			if !e.LockedLocallyBy(f.lockVer, f.owner) {
				return false
			}
			break
		}
	}

	f.log.Debug("local locks acquired for all entries", zap.Stringer("ver", f.lockVer))
	return f.onComplete(true, true)
}

// onComplete moves the attempt to its terminal state. Exactly one caller
// wins the completion; the winner deregisters the attempt and its timeout.
func (f *LockFuture[K, V]) onComplete(success, distribute bool) bool {
	if !success {
		f.undoLocks(distribute)
	}

	// Re-bind the caller's tx context so the next operation on this owner
	// observes the same transaction.
	if f.tx != nil {
		f.node.tm.TxContext(f.tx)
	}

	if !f.doneFlag.CompareAndSwap(false, true) {
		return false
	}

	f.result.Store(success)
	close(f.doneCh)

	f.node.reg.RemoveFuture(f)
	if f.timeoutObj != nil {
		f.node.tw.Remove(f.timeoutObj.TimeoutID())
	}
	f.node.onLockComplete(success, f.timedOut.Load())
	return true
}

// undoLocks removes this attempt's candidates from every enlisted entry.
// With distribute set and no transaction, remote primaries are asked to
// release as well; transactions release on their own rollback path and
// are marked rollback-only here instead.
func (f *LockFuture[K, V]) undoLocks(distribute bool) {
	if distribute && f.tx == nil {
		f.node.removeLocks(f.lockVer, f.keys)
		return
	}

	if f.tx != nil && f.tx.SetRollbackOnly() {
		f.log.Debug("marked transaction rollback-only, locks not acquired",
			zap.Stringer("xid", f.tx.XidVersion()))
	}

	for _, e := range f.entriesCopy() {
		e.RemoveLock(f.lockVer)
		if e.Obsolete() {
			if live := f.node.near.Peek(e.Key()); live != nil {
				live.RemoveLock(f.lockVer)
			}
		}
	}
}

// mapAll runs the one initial mapping pass and marks the attempt
// initialized so child completions can drive it to a terminal state.
func (f *LockFuture[K, V]) mapAll() {
	f.mapKeys(f.keys, nil)
	f.initialized.Store(true)
	f.checkLocks()
}

// mapKeys partitions keys by primary node under a frozen topology view,
// enlists near entries, and emits one lock request per node with keys
// needing a primary ack. prior carries the previous mapping during a
// remap so ping-pong remaps to an unchanged primary fail fast.
func (f *LockFuture[K, V]) mapKeys(keys []K, prior map[NodeID][]K) {
	type group struct {
		node *nodeMeta
		keys []K
	}

	topo := f.node.topo
	topo.ReadLock()

	var topVer int64
	if f.tx != nil {
		topVer = f.tx.TopologyVersion(topo.versionLocked())
		f.topVer.CompareAndSwap(-1, topVer)
		topVer = f.topVer.Load()
	} else {
		// Pin the attempt's topology snapshot exactly once.
		f.topVer.CompareAndSwap(-1, topo.versionLocked())
		topVer = f.topVer.Load()
	}

	all := topo.AllNodes()
	eligible := make([]*nodeMeta, 0, len(all))
	for _, nm := range all {
		if _, gone := f.left.Load(nm.ID); !gone {
			eligible = append(eligible, nm)
		}
	}

	var groups []*group
	byNode := make(map[NodeID]*group)

	for _, k := range keys {
		primary := primary0(affinity(f.node.hash64Of(k), eligible))
		if primary == nil {
			topo.ReadUnlock()
			f.onError(fmt.Errorf("%w: no eligible primary remains", ErrNoOwner))
			return
		}
		if prior != nil && containsKey(prior[primary.ID], k) {
			topo.ReadUnlock()
			f.onError(fmt.Errorf("%w: node=%s", ErrRemapSameNode, primary.ID))
			return
		}
		g := byNode[primary.ID]
		if g == nil {
			g = &group{node: primary}
			byNode[primary.ID] = g
			groups = append(groups, g)
		}
		g.keys = append(g.keys, k)
	}

	if f.IsDone() {
		topo.ReadUnlock()
		return
	}

	if f.tx != nil {
		m := make(map[NodeID][]K, len(groups))
		for _, g := range groups {
			m[g.node.ID] = g.keys
		}
		f.tx.AddKeyMapping(m)
	}

	// Enlist entries and build one request per node. Reentry candidates
	// are granted locally and omitted from the request; a group with only
	// reentries sends nothing.
	type outbound struct {
		node     *nodeMeta
		req      *MsgLock
		reqKeys  []K
		wantRets []bool
		nearVers []near.Version
	}
	var sends []*outbound

	for _, g := range groups {
		out := &outbound{node: g.node}
		local := g.node.ID == f.node.cfg.ID

		for _, k := range g.keys {
			explicit := false
			for {
				entry := f.node.near.EntryExx(k)

				if !f.filter.pass(entry) {
					topo.ReadUnlock()
					f.log.Debug("entry being locked did not pass filter", zap.Stringer("ver", f.lockVer))
					f.onComplete(false, false)
					return
				}

				cand, err := f.addEntry(topVer, entry, g.node.ID, prior != nil)
				if err != nil {
					// entry removed; re-fetch and retry
					continue
				}
				if f.IsDone() {
					topo.ReadUnlock()
					return
				}

				if cand != nil && !cand.Reentry {
					ver, val, b, ok := entry.VersionedValue()
					if !ok {
						if de := f.node.dht.PeekExx(k); de != nil {
							ver, val, b, ok = de.VersionedValue()
						}
					}
					var dhtVer near.Version
					if ok {
						dhtVer = ver
						f.valMap.Store(k, valTuple[V]{ver: ver, val: val, b: b})
					}

					lk := LockKey{
						WantRet: f.retval && dhtVer.IsZero(),
						DhtVer:  toWire(dhtVer),
						HasVer:  ok,
					}
					if !local {
						lk.Key = f.node.kc.EncodeKey(k)
					}
					if out.req == nil {
						out.req = f.newLockRequest(topVer)
					}
					out.req.Keys = append(out.req.Keys, lk)
					out.reqKeys = append(out.reqKeys, k)
					out.wantRets = append(out.wantRets, lk.WantRet)
					out.nearVers = append(out.nearVers, dhtVer)
				} else {
					// Reentry: the lock is already held by this owner; a
					// transaction records it as an explicit lock when it has
					// no candidate of its own on the entry.
					explicit = f.tx != nil && !entry.HasLockCandidate(f.tx.XidVersion())
				}
				break
			}

			if explicit {
				f.tx.MarkExplicit(g.node.ID)
			}
		}

		if len(out.reqKeys) > 0 {
			sends = append(sends, out)
		}
	}

	topo.ReadUnlock()

	f.node.reg.RecheckPendingLocks()

	for _, out := range sends {
		if out.node.ID == f.node.cfg.ID {
			f.lockLocally(out.node, out.reqKeys, out.wantRets, out.nearVers)
			continue
		}

		mini := newMiniFuture(f, out.node, out.reqKeys)
		out.req.MiniID = mini.id[:]
		f.addSlot(&futSlot[K, V]{mini: mini})

		f.log.Debug("sending lock request",
			zap.String("node", string(out.node.ID)),
			zap.Int("keys", len(out.reqKeys)),
			zap.Stringer("ver", f.lockVer))

		if err := f.node.sendLock(out.node, out.req); err != nil {
			if isTopologyError(err) {
				mini.onNodeLeft(err)
			} else {
				mini.onError(err)
			}
		}
	}
}

// addEntry enlists one near entry: appends the local MVCC candidate and
// records the entry for completion checks and undo. Returns a nil
// candidate when the attempt already timed out or a fail-fast attempt
// cannot acquire without blocking.
func (f *LockFuture[K, V]) addEntry(topVer int64, entry *near.Entry[K, V], dhtNode NodeID, remap bool) (*near.Candidate, error) {
	// Check if lock acquisition already timed out.
	if f.timedOut.Load() {
		return nil, nil
	}

	// Remap: an existing candidate for this version is re-pointed at the
	// new primary instead of being re-added.
	if remap {
		if c := entry.RestampDhtNode(f.lockVer, dhtNode, topVer); c != nil {
			return c, nil
		}
	}

	c, err := entry.AddNearLocal(dhtNode, f.owner, f.lockVer, f.timeout, topVer, near.CandidateFlags{
		InTx:           f.inTx(),
		ImplicitSingle: f.implicitSingle(),
		EC:             f.ec(),
		Read:           f.read,
	})
	if err != nil {
		return nil, err
	}

	f.appendEntry(entry)

	if c == nil && f.timeout < 0 {
		f.log.Debug("failed to acquire lock with negative timeout", zap.Stringer("ver", f.lockVer))
		f.onFailed(false)
		return nil, nil
	}

	// Double check if lock acquisition timed out while enlisting.
	if f.timedOut.Load() {
		entry.RemoveLock(f.lockVer)
		return nil, nil
	}

	return c, nil
}

func (f *LockFuture[K, V]) newLockRequest(topVer int64) *MsgLock {
	req := &MsgLock{
		Base:      Base{T: MTLock, ID: f.node.nextReqID()},
		TopVer:    topVer,
		From:      string(f.node.cfg.ID),
		Owner:     f.owner,
		FutID:     f.futID[:],
		LockVer:   toWire(f.lockVer),
		InTx:      f.inTx(),
		Read:      f.read,
		TimeoutMS: f.timeoutMS(),
	}
	if f.tx != nil {
		req.ImplicitTx = f.tx.Implicit()
		req.ImplSingle = f.tx.ImplicitSingle()
		req.Isolation = uint8(f.tx.Isolation())
		req.Invalidate = f.tx.IsInvalidate()
		req.SyncCommit = f.tx.SyncCommit()
		req.SyncRB = f.tx.SyncRollback()
	}
	return req
}

// lockTimeoutObj flips the attempt's timed-out flag and fails it when the
// wall-clock deadline passes.
type lockTimeoutObj[K comparable, V any] struct {
	f   *LockFuture[K, V]
	end int64
}

func newLockTimeoutObj[K comparable, V any](f *LockFuture[K, V]) *lockTimeoutObj[K, V] {
	end := time.Now().UnixMilli() + f.timeoutMS()
	if end < 0 {
		// Account for overflow.
		end = math.MaxInt64
	}
	return &lockTimeoutObj[K, V]{f: f, end: end}
}

// TimeoutID is the lock version's UUID, so ownership is unambiguous.
func (o *lockTimeoutObj[K, V]) TimeoutID() uuid.UUID { return o.f.lockVer.ID }

func (o *lockTimeoutObj[K, V]) EndTime() int64 { return o.end }

func (o *lockTimeoutObj[K, V]) OnTimeout() {
	o.f.log.Debug("timed out waiting for lock response", zap.Stringer("ver", o.f.lockVer))
	o.f.timedOut.Store(true)
	o.f.onComplete(false, true)
}

func containsKey[K comparable](keys []K, k K) bool {
	for _, have := range keys {
		if have == k {
			return true
		}
	}
	return false
}
