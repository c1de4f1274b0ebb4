package nearlock

import "time"

// CandidateFlags qualify how a lock candidate was requested.
type CandidateFlags struct {
	NearLocal      bool // candidate added on the near side (vs primary side)
	InTx           bool
	ImplicitSingle bool
	EC             bool // eventually-consistent mode, entry rechecked after writes
	Read           bool
}

// Candidate is one entry in a cache entry's ordered MVCC queue of pending
// and held locks. At most one candidate exists per (entry, version).
type Candidate struct {
	Ver     Version
	OwnerID uint64 // logical owner, used for reentry decisions
	DhtNode NodeID // primary node expected to confirm this candidate
	Timeout time.Duration
	TopVer  int64
	Reentry bool
	Flags   CandidateFlags

	// ready means the primary confirmed the lock (or the candidate was a
	// local reentry / primary-side grant). Guarded by the entry mutex.
	ready bool

	// visibility sets recorded by DoneRemote; kept for later tx ordering.
	pending    []Version
	committed  []Version
	rolledback []Version
}

// Ready reports whether the candidate has been confirmed. Callers must not
// rely on it for synchronization; it is a snapshot.
func (c *Candidate) Ready() bool { return c.ready }

// mvccLocked implements the per-entry candidate queue. All methods are
// called with the owning entry's mutex held; names carry the Locked suffix
// to keep that visible at call sites.

// candidateLocked returns the candidate for ver, or nil.
func (e *Entry[K, V]) candidateLocked(ver Version) *Candidate {
	for _, c := range e.cands {
		if c.Ver.Equal(ver) {
			return c
		}
	}
	return nil
}

// ownerCandLocked returns the first confirmed candidate in queue order.
// The primary decides grant order, so the first ready candidate is the
// local owner regardless of its queue position.
func (e *Entry[K, V]) ownerCandLocked() *Candidate {
	for _, c := range e.cands {
		if c.ready {
			return c
		}
	}
	return nil
}

// removeCandLocked removes the candidate for ver, reporting whether one
// was present. Repeated removal of the same version is a no-op. Waiters
// parked on the removed version can never be granted and are dropped.
func (e *Entry[K, V]) removeCandLocked(ver Version) bool {
	for i, c := range e.cands {
		if c.Ver.Equal(ver) {
			e.cands = append(e.cands[:i], e.cands[i+1:]...)
			for j := 0; j < len(e.waiters); {
				if e.waiters[j].ver.Equal(ver) {
					e.waiters = append(e.waiters[:j], e.waiters[j+1:]...)
					continue
				}
				j++
			}
			return true
		}
	}
	return false
}

// promoteLocked recomputes the owner and, when it changed, returns the new
// owner (possibly nil) along with true. The caller fires the owner-changed
// notification after releasing the entry mutex.
//
// Near-local candidates become ready only through DoneRemote (the primary
// confirmed them). Primary-side candidates are granted FIFO: when nothing
// is ready, the head of the queue is granted here.
func (e *Entry[K, V]) promoteLocked() (*Candidate, bool) {
	if len(e.cands) > 0 && !e.cands[0].Flags.NearLocal && e.ownerCandLocked() == nil {
		e.cands[0].ready = true
	}

	owner := e.ownerCandLocked()
	if owner == e.owner {
		return owner, false
	}
	e.owner = owner

	// Wake primary-side waiters parked on the new owner's version.
	if owner != nil {
		for i := 0; i < len(e.waiters); {
			w := e.waiters[i]
			if w.ver.Equal(owner.Ver) {
				close(w.ch)
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				continue
			}
			i++
		}
	}
	return owner, true
}
