package nearlock

import (
	"sync"
	"sync/atomic"
	"time"
)

type ownerWaiter struct {
	ver Version
	ch  chan struct{}
}

// Entry is a single cache entry: the locally-known value with the version
// its primary stamped on it, plus the ordered MVCC queue of lock
// candidates. Entries are addressed through a Store and become obsolete
// when removed; obsolete entries reject candidate adds, value installs and
// confirmations with ErrEntryRemoved and callers re-fetch through the
// store. Lock removal still works on an obsolete entry.
type Entry[K comparable, V any] struct {
	key   K
	store *Store[K, V]

	mu       sync.Mutex
	val      V
	valBytes []byte
	hasVal   bool
	dhtVer   Version
	primary  NodeID
	obsolete bool

	cands   []*Candidate
	owner   *Candidate
	waiters []ownerWaiter

	reads atomic.Int64
}

func (e *Entry[K, V]) Key() K { return e.key }

// RawGet returns the locally-known value without touching versions.
func (e *Entry[K, V]) RawGet() (V, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val, e.hasVal
}

// VersionedValue returns the locally-known (version, value, bytes) triple,
// or ok=false when no versioned value has been observed yet.
func (e *Entry[K, V]) VersionedValue() (Version, V, []byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasVal || e.dhtVer.IsZero() {
		var zero V
		return Version{}, zero, nil, false
	}
	return e.dhtVer, e.val, e.valBytes, true
}

// DhtVersion returns the authoritative version last installed on this entry.
func (e *Entry[K, V]) DhtVersion() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dhtVer
}

// Primary returns the node that stamped the current value.
func (e *Entry[K, V]) Primary() NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary
}

func (e *Entry[K, V]) Obsolete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obsolete
}

// AddNearLocal appends a near-side lock candidate for ver, or returns a
// reentry candidate when the owner already holds this entry. Returns
// ErrEntryRemoved when the entry is obsolete; callers re-fetch and retry.
func (e *Entry[K, V]) AddNearLocal(
	dhtNode NodeID,
	ownerID uint64,
	ver Version,
	timeout time.Duration,
	topVer int64,
	flags CandidateFlags,
) (*Candidate, error) {
	flags.NearLocal = true

	e.mu.Lock()
	if e.obsolete {
		e.mu.Unlock()
		return nil, ErrEntryRemoved
	}

	// One candidate per (entry, version): a second add for the same
	// version is a reentry of the same attempt (tx relock path). The
	// grant is a non-enlisted copy; the queued candidate stays as-is.
	if c := e.candidateLocked(ver); c != nil {
		re := *c
		re.Reentry = true
		re.ready = true
		e.mu.Unlock()
		return &re, nil
	}

	// Same logical owner already holds the entry: grant a reentry of the
	// owner's candidate. It keeps the owner's original version and is not
	// queued, so releasing the reentry never drops the underlying lock.
	if cur := e.ownerCandLocked(); cur != nil && cur.OwnerID == ownerID {
		re := *cur
		re.Reentry = true
		re.ready = true
		e.mu.Unlock()
		return &re, nil
	}

	// Fail-fast attempts cannot acquire without blocking: when another
	// owner holds the entry, report nil instead of queueing.
	if timeout < 0 {
		if cur := e.ownerCandLocked(); cur != nil {
			e.mu.Unlock()
			return nil, nil
		}
	}

	c := &Candidate{
		Ver:     ver,
		OwnerID: ownerID,
		DhtNode: dhtNode,
		Timeout: timeout,
		TopVer:  topVer,
		Flags:   flags,
	}
	e.cands = append(e.cands, c)
	e.mu.Unlock()
	return c, nil
}

// RestampDhtNode re-points an existing candidate for ver at a new primary
// after a remap, stamping the mapping's topology version. Returns nil when
// no candidate for ver exists.
func (e *Entry[K, V]) RestampDhtNode(ver Version, dhtNode NodeID, topVer int64) *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.candidateLocked(ver)
	if c == nil {
		return nil
	}
	c.DhtNode = dhtNode
	c.TopVer = topVer
	return c
}

// AddRemote appends a primary-side candidate for a requester node. The
// candidate is granted FIFO; use WaitOwner to park until it owns the entry.
func (e *Entry[K, V]) AddRemote(
	requester NodeID,
	ownerID uint64,
	ver Version,
	timeout time.Duration,
	flags CandidateFlags,
) (*Candidate, error) {
	flags.NearLocal = false

	e.mu.Lock()
	if e.obsolete {
		e.mu.Unlock()
		return nil, ErrEntryRemoved
	}

	if c := e.candidateLocked(ver); c != nil {
		e.mu.Unlock()
		return c, nil
	}

	c := &Candidate{
		Ver:     ver,
		OwnerID: ownerID,
		DhtNode: requester,
		Timeout: timeout,
		Flags:   flags,
	}
	e.cands = append(e.cands, c)
	owner, changed := e.promoteLocked()
	e.mu.Unlock()

	if changed {
		e.store.notifyOwnerChanged(e, owner)
	}
	return c, nil
}

// WaitOwner returns a channel closed once the candidate for ver owns this
// entry. Already-owning versions get a closed channel.
func (e *Entry[K, V]) WaitOwner(ver Version) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan struct{})
	if e.owner != nil && e.owner.Ver.Equal(ver) {
		close(ch)
		return ch
	}
	e.waiters = append(e.waiters, ownerWaiter{ver: ver, ch: ch})
	return ch
}

// RemoveLock removes the candidate for ver, promoting the next one.
// Idempotent: removing an absent version reports false and changes nothing.
func (e *Entry[K, V]) RemoveLock(ver Version) bool {
	e.mu.Lock()
	removed := e.removeCandLocked(ver)
	var owner *Candidate
	var changed bool
	if removed {
		owner, changed = e.promoteLocked()
	}
	e.mu.Unlock()

	if changed {
		e.store.notifyOwnerChanged(e, owner)
	}
	return removed
}

// LockedLocallyBy reports whether the entry is owned by the candidate for
// ver, or by any candidate of the same logical owner (reentry-aware).
func (e *Entry[K, V]) LockedLocallyBy(ver Version, ownerID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == nil {
		return false
	}
	return e.owner.Ver.Equal(ver) || e.owner.OwnerID == ownerID
}

// HasLockCandidate reports whether a candidate for ver is queued.
func (e *Entry[K, V]) HasLockCandidate(ver Version) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidateLocked(ver) != nil
}

// ResetFromPrimary installs the authoritative value returned by the primary
// under the protection of the lock held by lockVer.
func (e *Entry[K, V]) ResetFromPrimary(val V, valBytes []byte, lockVer, dhtVer Version, primary NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.obsolete {
		return ErrEntryRemoved
	}

	e.val = val
	e.valBytes = valBytes
	e.hasVal = true
	e.dhtVer = dhtVer
	e.primary = primary
	return nil
}

// DoneRemote marks the candidate for lockVer as confirmed by the primary,
// recording the pending/committed/rolled-back version sets the primary
// returned. minVer bounds which completed versions are still interesting.
func (e *Entry[K, V]) DoneRemote(lockVer, minVer Version, pending, committed, rolledback []Version) error {
	e.mu.Lock()
	if e.obsolete {
		e.mu.Unlock()
		return ErrEntryRemoved
	}

	c := e.candidateLocked(lockVer)
	if c == nil {
		e.mu.Unlock()
		return ErrLockNotFound
	}

	c.ready = true
	c.pending = pending
	for _, v := range committed {
		if !v.Less(minVer) {
			c.committed = append(c.committed, v)
		}
	}
	for _, v := range rolledback {
		if !v.Less(minVer) {
			c.rolledback = append(c.rolledback, v)
		}
	}

	owner, changed := e.promoteLocked()
	e.mu.Unlock()

	if changed {
		e.store.notifyOwnerChanged(e, owner)
	}
	return nil
}

// Recheck re-validates the entry after an eventually-consistent write by
// dropping the cached value and version when no lock owns the entry.
func (e *Entry[K, V]) Recheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == nil && e.hasVal {
		// No lock protects the value; force the next read through the
		// primary by clearing the local copy.
		var zero V
		e.val = zero
		e.valBytes = nil
		e.hasVal = false
		e.dhtVer = Version{}
	}
}

// RecordRead bumps the entry's read counter.
func (e *Entry[K, V]) RecordRead() { e.reads.Add(1) }

// Reads returns how many reads were recorded against this entry.
func (e *Entry[K, V]) Reads() int64 { return e.reads.Load() }

// Candidates returns a snapshot of queued candidate versions.
func (e *Entry[K, V]) Candidates() []Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Version, 0, len(e.cands))
	for _, c := range e.cands {
		out = append(out, c.Ver)
	}
	return out
}

// OwnerVersion returns the owning candidate's version, or the zero version.
func (e *Entry[K, V]) OwnerVersion() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == nil {
		return Version{}
	}
	return e.owner.Ver
}

// markObsolete flags the entry removed. Waiters are not woken; primary-side
// waits carry their own deadlines and callers re-fetch through the store.
func (e *Entry[K, V]) markObsolete() {
	e.mu.Lock()
	e.obsolete = true
	e.mu.Unlock()
}
