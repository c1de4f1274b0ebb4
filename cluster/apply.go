package cluster

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	near "github.com/unkn0wn-root/nearlock"
)

// applyResponse reconciles one peer's lock response into the near entries,
// index-aligned with the request's keys. For every key it installs the
// authoritative value and version under the just-acquired lock, confirms
// the candidate, and records a read event when one is due.
//
// local marks the local-primary shortcut: there the read event is only
// recorded when the DHT layer has not already emitted it, which is the
// case exactly when the pre-lock value map carried the same version the
// primary returned.
func (f *LockFuture[K, V]) applyResponse(from NodeID, keys []K, resp *MsgLockResp, local bool) error {
	for i, k := range keys {
		if i >= len(resp.Keys) || !resp.Keys[i].HasVer {
			err := fmt.Errorf("%w: key index %d", ErrMissingDhtVersion, i)
			f.onError(err)
			return err
		}
		lv := resp.Keys[i]
		dhtVer := fromWire(lv.DhtVer)

		for {
			entry := f.node.near.EntryExx(k)

			oldTup, hasTup := f.valMap.Load(k)
			oldVal, hasOldVal := entry.RawGet()

			var newVal V
			var newBytes []byte
			hasNew := lv.HasVal
			if hasNew {
				v, err := f.node.codec.Decode(lv.Val)
				if err != nil {
					f.onError(err)
					return err
				}
				newVal = v
				newBytes = lv.Val
			}

			// The primary omits the value when the requester's copy is
			// current: synthesize it from the pre-lock observation.
			if !hasNew && hasTup {
				if oldTup.ver.Equal(dhtVer) {
					newVal = oldTup.val
					newBytes = oldTup.b
					hasNew = true
				}
				oldVal = oldTup.val
				hasOldVal = true
			}

			// On the local node don't record twice if the DHT layer
			// already recorded the read.
			record := f.retval
			if local {
				record = f.retval && hasTup && oldTup.ver.Equal(dhtVer)
			}

			// Lock is held at this point, so the returned value can be
			// installed.
			if err := entry.ResetFromPrimary(newVal, newBytes, f.lockVer, dhtVer, from); err != nil {
				if errors.Is(err, near.ErrEntryRemoved) {
					f.replaceEntry(k, f.node.near.EntryExx(k))
					continue
				}
				f.onError(err)
				return err
			}

			minVer := f.lockVer
			if f.tx != nil {
				minVer = f.tx.MinVersion()
			}
			if err := entry.DoneRemote(f.lockVer, minVer,
				fromWireList(resp.Pending),
				fromWireList(resp.Committed),
				fromWireList(resp.RolledBack)); err != nil {
				if errors.Is(err, near.ErrEntryRemoved) {
					f.replaceEntry(k, f.node.near.EntryExx(k))
					continue
				}
				// Candidate gone: the attempt was undone concurrently
				// (timeout or cancel); nothing to reconcile for this key.
				f.log.Debug("no candidate left while applying response",
					zap.Stringer("ver", f.lockVer))
				break
			}

			if record {
				entry.RecordRead()
				f.node.near.RecordEvent(near.Event[K, V]{
					Type:   near.EventObjectRead,
					Key:    k,
					NewVal: newVal,
					OldVal: oldVal,
					HasOld: hasOldVal,
				})
				f.node.onEntryRead()
			}

			if f.ec() {
				entry.Recheck()
			}

			f.log.Debug("processed lock response for entry", zap.Stringer("ver", f.lockVer))
			break
		}
	}
	return nil
}
