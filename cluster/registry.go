package cluster

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	near "github.com/unkn0wn-root/nearlock"
)

// futureRegistry tracks in-flight lock attempts by future ID. It holds
// non-owning handles: a future registers at construction and deregisters
// on terminal completion, so a completed attempt cannot be reached from
// here. The registry is injected, not a singleton, to keep tests
// deterministic.
type futureRegistry[K comparable, V any] struct {
	futs *xsync.MapOf[uuid.UUID, *LockFuture[K, V]]
}

func newFutureRegistry[K comparable, V any]() *futureRegistry[K, V] {
	return &futureRegistry[K, V]{futs: xsync.NewMapOf[uuid.UUID, *LockFuture[K, V]]()}
}

func (r *futureRegistry[K, V]) AddFuture(f *LockFuture[K, V]) {
	r.futs.Store(f.FutureID(), f)
}

func (r *futureRegistry[K, V]) RemoveFuture(f *LockFuture[K, V]) {
	r.futs.Delete(f.FutureID())
}

// OnOwnerChanged fans an entry ownership change to every tracked attempt.
// Implements the store's OwnerListener.
func (r *futureRegistry[K, V]) OnOwnerChanged(e *near.Entry[K, V], owner *near.Candidate) {
	r.futs.Range(func(_ uuid.UUID, f *LockFuture[K, V]) bool {
		if f.Trackable() {
			f.onOwnerChanged(e, owner)
		}
		return true
	})
}

// OnNodeLeft routes a confirmed departure to the attempt holding a mapping
// for that node. Reports whether any attempt had one.
func (r *futureRegistry[K, V]) OnNodeLeft(id NodeID) bool {
	hit := false
	r.futs.Range(func(_ uuid.UUID, f *LockFuture[K, V]) bool {
		if f.onNodeLeft(id) {
			hit = true
		}
		return true
	})
	return hit
}

// RouteResponse delivers a lock response to its attempt by future ID.
func (r *futureRegistry[K, V]) RouteResponse(futID uuid.UUID, from NodeID, resp *MsgLockResp) bool {
	f, ok := r.futs.Load(futID)
	if !ok {
		return false
	}
	f.onResponse(from, resp)
	return true
}

// RecheckPendingLocks re-evaluates lock completion for every trackable
// attempt; run after each mapping pass so attempts whose last outstanding
// candidate was satisfied elsewhere complete promptly.
func (r *futureRegistry[K, V]) RecheckPendingLocks() {
	r.futs.Range(func(_ uuid.UUID, f *LockFuture[K, V]) bool {
		if f.Trackable() {
			f.checkLocks()
		}
		return true
	})
}
