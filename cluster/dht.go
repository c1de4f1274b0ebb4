package cluster

import (
	"time"

	"go.uber.org/zap"

	near "github.com/unkn0wn-root/nearlock"
)

// Filter is a predicate evaluated against a cache entry during lock
// acquisition. A nil filter passes everything.
type Filter[K comparable, V any] func(*near.Entry[K, V]) bool

func (f Filter[K, V]) pass(e *near.Entry[K, V]) bool {
	return f == nil || f(e)
}

// dhtTier is the primary side of the store on this node: the authoritative
// entries for keys this node owns, plus the primary half of the lock
// protocol. Lock grants are FIFO per entry; a request's keys share one
// deadline.
type dhtTier[K comparable, V any] struct {
	local NodeID
	store *near.Store[K, V]
	codec Codec[V]
	clock *near.Clock
	log   *zap.Logger
}

func newDhtTier[K comparable, V any](local NodeID, store *near.Store[K, V], codec Codec[V], clock *near.Clock, log *zap.Logger) *dhtTier[K, V] {
	return &dhtTier[K, V]{local: local, store: store, codec: codec, clock: clock, log: log}
}

// PeekExx returns the primary entry for key without creating it.
func (d *dhtTier[K, V]) PeekExx(key K) *near.Entry[K, V] {
	return d.store.Peek(key)
}

// Put installs an authoritative value, stamping a fresh version. This is
// the primary-side write entry point behind Node.PutPrimary.
func (d *dhtTier[K, V]) Put(key K, val V) (near.Version, error) {
	b, err := d.codec.Encode(val)
	if err != nil {
		return near.Version{}, err
	}
	ver := d.clock.NewVersion()
	for {
		e := d.store.EntryExx(key)
		if err := e.ResetFromPrimary(val, b, near.Version{}, ver, d.local); err == nil {
			return ver, nil
		}
		// entry removed between fetch and reset; re-fetch
	}
}

// lockReq is the decoded, primary-side view of one lock request.
type lockReq[K comparable, V any] struct {
	requester NodeID
	owner     uint64
	lockVer   near.Version
	timeoutMS int64
	read      bool
	keys      []K
	wantRet   []bool
	nearVers  []near.Version // requester's known version per key; zero = none
	filter    Filter[K, V]
}

// LockAllAsync acquires primary-side locks for all keys and resolves the
// returned channel with a single response: granted values and versions on
// success, the lock-timeout sentinel when the deadline passes first.
func (d *dhtTier[K, V]) LockAllAsync(req *lockReq[K, V]) <-chan *MsgLockResp {
	ch := make(chan *MsgLockResp, 1)
	go func() { ch <- d.lockAll(req) }()
	return ch
}

func (d *dhtTier[K, V]) lockAll(req *lockReq[K, V]) *MsgLockResp {
	var deadline <-chan time.Time
	if req.timeoutMS > 0 {
		t := time.NewTimer(time.Duration(req.timeoutMS) * time.Millisecond)
		defer t.Stop()
		deadline = t.C
	}

	granted := make([]*near.Entry[K, V], 0, len(req.keys))
	abort := func() {
		for _, e := range granted {
			e.RemoveLock(req.lockVer)
		}
		for _, k := range req.keys {
			if e := d.store.Peek(k); e != nil {
				e.RemoveLock(req.lockVer)
			}
		}
	}

	for _, k := range req.keys {
		for {
			e := d.store.EntryExx(k)

			if !req.filter.pass(e) {
				abort()
				return &MsgLockResp{ErrTimeout: true}
			}

			_, err := e.AddRemote(req.requester, req.owner, req.lockVer,
				time.Duration(req.timeoutMS)*time.Millisecond,
				near.CandidateFlags{Read: req.read})
			if err != nil {
				// entry removed; re-fetch and retry
				continue
			}

			w := e.WaitOwner(req.lockVer)
			select {
			case <-w:
			default:
				if req.timeoutMS < 0 {
					// fail-fast: caller forbade blocking
					abort()
					return &MsgLockResp{ErrTimeout: true}
				}
				select {
				case <-w:
				case <-deadline:
					abort()
					return &MsgLockResp{ErrTimeout: true}
				}
			}

			if e.Obsolete() {
				e.RemoveLock(req.lockVer)
				continue
			}
			granted = append(granted, e)
			break
		}
	}

	resp := &MsgLockResp{
		LockVer: toWire(req.lockVer),
		Keys:    make([]LockVal, len(req.keys)),
	}

	pendSeen := make(map[near.Version]bool)
	for i, e := range granted {
		_, hadVal := e.RawGet()
		ver := e.DhtVersion()
		if ver.IsZero() {
			// No value written yet: stamp a version so the near side
			// always has an authoritative version to install.
			ver = d.clock.NewVersion()
			var zero V
			if err := e.ResetFromPrimary(zero, nil, req.lockVer, ver, d.local); err != nil {
				resp.Err = err.Error()
				abort()
				return resp
			}
			hadVal = false
		}

		lv := LockVal{DhtVer: toWire(ver), HasVer: true}

		// Send the value only when the requester asked for it or its copy
		// is stale; a matching near version means it already has the bytes.
		stale := !req.nearVers[i].Equal(ver)
		if hadVal && (req.wantRet[i] || stale) {
			if b := d.valueBytes(e); b != nil {
				lv.Val = b
				lv.HasVal = true
			}
		}
		resp.Keys[i] = lv

		for _, cv := range e.Candidates() {
			if !cv.Equal(req.lockVer) && !pendSeen[cv] {
				pendSeen[cv] = true
				resp.Pending = append(resp.Pending, toWire(cv))
			}
		}
	}
	return resp
}

func (d *dhtTier[K, V]) valueBytes(e *near.Entry[K, V]) []byte {
	_, _, b, ok := e.VersionedValue()
	if !ok {
		return nil
	}
	if b != nil {
		return b
	}
	val, hasVal := e.RawGet()
	if !hasVal {
		return nil
	}
	b, err := d.codec.Encode(val)
	if err != nil {
		d.log.Warn("failed to encode value for lock response", zap.Error(err))
		return nil
	}
	return b
}

// RemoveLocks releases the primary-side candidates for ver on keys.
func (d *dhtTier[K, V]) RemoveLocks(ver near.Version, keys []K) {
	for _, k := range keys {
		if e := d.store.Peek(k); e != nil {
			e.RemoveLock(ver)
		}
	}
}
