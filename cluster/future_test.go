package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	near "github.com/unkn0wn-root/nearlock"
)

// fakeSender captures outbound messages instead of dialing peers.
type fakeSender struct {
	mu      sync.Mutex
	locks   []*MsgLock
	unlocks []*MsgUnlock
	fail    map[string]error
}

func (s *fakeSender) send(addr string, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail[addr]; err != nil {
			return err
		}
	}
	switch m := msg.(type) {
	case *MsgLock:
		s.locks = append(s.locks, m)
	case *MsgUnlock:
		s.unlocks = append(s.unlocks, m)
	}
	return nil
}

func (s *fakeSender) lockReqs() []*MsgLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MsgLock(nil), s.locks...)
}

func (s *fakeSender) unlockReqs() []*MsgUnlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MsgUnlock(nil), s.unlocks...)
}

// waitLocks polls until n lock requests were sent; remaps emit them from
// other goroutines.
func (s *fakeSender) waitLocks(t *testing.T, n int) []*MsgLock {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := s.lockReqs(); len(reqs) >= n {
			return reqs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d lock requests, have %d", n, len(s.lockReqs()))
	return nil
}

// newTestNode builds an unstarted node with a fake transport and the given
// peer set in its membership view.
func newTestNode(t *testing.T, id string, peers ...string) (*Node[string, []byte], *fakeSender) {
	t.Helper()

	cfg := Default()
	cfg.ID = NodeID(id)
	cfg.PublicURL = id

	n := NewNode[string, []byte](cfg, StringKeyCodec[string]{}, BytesCodec{}, nil)
	t.Cleanup(n.Stop)

	fs := &fakeSender{}
	n.io = fs

	for _, p := range peers {
		n.topo.ensure(NodeID(p), p)
	}
	return n, fs
}

// keyOwnedBy finds a key whose primary under the node's current view is
// the target node.
func keyOwnedBy(t *testing.T, n *Node[string, []byte], target NodeID) string {
	t.Helper()
	n.topo.ReadLock()
	nodes := n.topo.AllNodes()
	n.topo.ReadUnlock()

	for i := 0; i < 100_000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if primary0(affinity(n.hash64Of(k), nodes)).ID == target {
			return k
		}
	}
	t.Fatalf("no key maps to %s", target)
	return ""
}

// okResp builds a success response for req: one fresh version per key,
// vals[i] optionally carrying value bytes.
func okResp(n *Node[string, []byte], req *MsgLock, vals [][]byte) *MsgLockResp {
	resp := &MsgLockResp{
		Base:    Base{T: MTLockResp, ID: req.ID},
		LockVer: req.LockVer,
		FutID:   req.FutID,
		MiniID:  req.MiniID,
	}
	for i := range req.Keys {
		lv := LockVal{DhtVer: toWire(n.clock.NewVersion()), HasVer: true}
		if vals != nil && vals[i] != nil {
			lv.Val = vals[i]
			lv.HasVal = true
		}
		resp.Keys = append(resp.Keys, lv)
	}
	return resp
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLockSingleKeyLocalPrimary(t *testing.T) {
	n, fs := newTestNode(t, "A")

	ver, err := n.PutPrimary("k1", []byte("v"))
	if err != nil {
		t.Fatalf("PutPrimary: %v", err)
	}

	f := n.LockAllAsync([]string{"k1"}, LockOptions[string, []byte]{
		Owner: 1, RetVal: true, Timeout: time.Second,
	})

	ok, err := f.Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("Wait = (%v, %v), want (true, nil)", ok, err)
	}

	if len(fs.lockReqs()) != 0 {
		t.Fatalf("local shortcut must not use the transport")
	}

	e := n.near.Peek("k1")
	if e == nil {
		t.Fatalf("near entry missing")
	}
	if !e.DhtVersion().Equal(ver) {
		t.Fatalf("near version %v, want primary's %v", e.DhtVersion(), ver)
	}
	if val, okv := e.RawGet(); !okv || string(val) != "v" {
		t.Fatalf("near value %q, want v", val)
	}
	if !e.LockedLocallyBy(f.LockVersion(), 1) {
		t.Fatalf("entry not locked after success")
	}

	n.Unlock(f.LockVersion(), []string{"k1"})
	if de := n.dht.PeekExx("k1"); de != nil && de.HasLockCandidate(f.LockVersion()) {
		t.Fatalf("primary candidate survived unlock")
	}
}

func TestLockTwoKeysSplitAcrossPeers(t *testing.T) {
	n, fs := newTestNode(t, "A", "B", "C")

	kB := keyOwnedBy(t, n, "B")
	kC := keyOwnedBy(t, n, "C")

	f := n.LockAllAsync([]string{kB, kC}, LockOptions[string, []byte]{
		Owner: 1, RetVal: true, Timeout: 5 * time.Second,
	})

	reqs := fs.waitLocks(t, 2)
	if len(reqs[0].Keys) != 1 || len(reqs[1].Keys) != 1 {
		t.Fatalf("expected one key per peer request")
	}

	n.handleLockResponse(okResp(n, reqs[0], [][]byte{[]byte("b-val")}))
	n.handleLockResponse(okResp(n, reqs[1], [][]byte{[]byte("c-val")}))

	ok, err := f.Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("Wait = (%v, %v), want (true, nil)", ok, err)
	}

	for _, k := range []string{kB, kC} {
		e := n.near.Peek(k)
		if e == nil || !e.LockedLocallyBy(f.LockVersion(), 1) {
			t.Fatalf("key %s not locked", k)
		}
	}

	// A stale duplicate response is discarded: the future completed and
	// deregistered.
	n.handleLockResponse(okResp(n, reqs[0], nil))
	if got := n.reg.futs.Size(); got != 0 {
		t.Fatalf("registry still tracks %d futures", got)
	}

	n.Unlock(f.LockVersion(), []string{kB, kC})
	if got := len(fs.unlockReqs()); got != 2 {
		t.Fatalf("expected 2 unlock messages, got %d", got)
	}
}

func TestLockPeerLeavesMidFlight(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 5 * time.Second,
	})
	fs.waitLocks(t, 1)

	pinned := f.TopologyVersion()

	// B departs before answering: the mini remaps kB onto the only
	// remaining node (self) and the local shortcut finishes the job.
	n.topo.remove("B")

	ok, err := f.Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("Wait = (%v, %v), want (true, nil)", ok, err)
	}

	if _, left := f.left.Load(NodeID("B")); !left {
		t.Fatalf("departed peer not recorded in left set")
	}
	if f.TopologyVersion() != pinned {
		t.Fatalf("topology snapshot changed during remap: %d -> %d", pinned, f.TopologyVersion())
	}

	e := n.near.Peek(kB)
	if e == nil || !e.LockedLocallyBy(f.LockVersion(), 1) {
		t.Fatalf("key not locked after remap")
	}
}

func TestLockRemapToSameNodeFails(t *testing.T) {
	n, _ := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 5 * time.Second,
	})

	// Simulate a remap that re-targets the same primary: B is still alive,
	// so affinity picks it again and the anti-ping-pong guard must fire.
	f.mapKeys([]string{kB}, map[NodeID][]string{"B": {kB}})

	ok, err := f.Wait(waitCtx(t))
	if ok {
		t.Fatalf("attempt succeeded despite remap-to-same-node")
	}
	if !errors.Is(err, ErrRemapSameNode) {
		t.Fatalf("err = %v, want ErrRemapSameNode", err)
	}
}

func TestLockTimeout(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 50 * time.Millisecond,
	})
	fs.waitLocks(t, 1)

	ok, err := f.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("timeout must not surface an error, got %v", err)
	}
	if ok {
		t.Fatalf("attempt succeeded without a response")
	}
	if !f.timedOut.Load() {
		t.Fatalf("timed-out flag not set")
	}

	// Local candidate undone, release distributed to the mapped primary.
	if e := n.near.Peek(kB); e != nil && e.HasLockCandidate(f.LockVersion()) {
		t.Fatalf("local candidate survived timeout")
	}
	if len(fs.unlockReqs()) == 0 {
		t.Fatalf("no release message sent to primary")
	}

	// Timeout object deregistered.
	n.tw.mu.Lock()
	pending := len(n.tw.byID)
	n.tw.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d timeout objects still registered", pending)
	}
}

func TestLockFilterRejects(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kA := keyOwnedBy(t, n, "A")
	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kA, kB}, LockOptions[string, []byte]{
		Owner:   1,
		Timeout: time.Second,
		Filter: func(e *near.Entry[string, []byte]) bool {
			return e.Key() != kB
		},
	})

	ok, err := f.Wait(waitCtx(t))
	if err != nil || ok {
		t.Fatalf("Wait = (%v, %v), want (false, nil)", ok, err)
	}

	// kA was enlisted before the filter rejected kB: its candidate must be
	// gone, and nothing was ever sent (no locks, no releases).
	if e := n.near.Peek(kA); e != nil && e.HasLockCandidate(f.LockVersion()) {
		t.Fatalf("earlier enlistment not undone")
	}
	if len(fs.lockReqs()) != 0 {
		t.Fatalf("lock request sent despite local filter failure")
	}
	if len(fs.unlockReqs()) != 0 {
		t.Fatalf("release sent for locks that were never distributed")
	}
}

func TestLockReentryWithinTransaction(t *testing.T) {
	n, fs := newTestNode(t, "A")

	k := keyOwnedBy(t, n, "A")

	// Owner 7 takes an explicit lock outside any transaction.
	f1 := n.LockAllAsync([]string{k}, LockOptions[string, []byte]{
		Owner: 7, Timeout: time.Second,
	})
	if ok, err := f1.Wait(waitCtx(t)); err != nil || !ok {
		t.Fatalf("initial lock = (%v, %v)", ok, err)
	}

	primaryCands := len(n.dht.PeekExx(k).Candidates())

	// The same owner relocks inside a transaction: reentry, no new primary
	// request, and the tx records the node as explicitly locked.
	tx := n.Begin(7, TxOptions{})
	f2 := n.LockAllAsync([]string{k}, LockOptions[string, []byte]{
		Tx: tx, Timeout: time.Second,
	})
	if ok, err := f2.Wait(waitCtx(t)); err != nil || !ok {
		t.Fatalf("reentry lock = (%v, %v)", ok, err)
	}

	if len(fs.lockReqs()) != 0 {
		t.Fatalf("reentry used the transport")
	}
	if got := len(n.dht.PeekExx(k).Candidates()); got != primaryCands {
		t.Fatalf("reentry created a primary candidate: %d -> %d", primaryCands, got)
	}
	if !tx.Explicit("A") {
		t.Fatalf("transaction did not record the explicit lock")
	}
}

func TestLockNullValueResponsePreservesLocalValue(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	// The near side already observed (ver, "v") for this key.
	seeded := n.clock.NewVersion()
	e := n.near.EntryExx(kB)
	if err := e.ResetFromPrimary([]byte("v"), []byte("v"), near.Version{}, seeded, "B"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var events []near.Event[string, []byte]
	n.near.SetEventSink(func(ev near.Event[string, []byte]) { events = append(events, ev) })

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, RetVal: true, Timeout: 5 * time.Second,
	})

	reqs := fs.waitLocks(t, 1)
	if reqs[0].Keys[0].WantRet {
		t.Fatalf("requester already holds a versioned value, must not ask for it")
	}

	// Primary confirms the same version and omits the value.
	resp := &MsgLockResp{
		Base:    Base{T: MTLockResp, ID: reqs[0].ID},
		LockVer: reqs[0].LockVer,
		FutID:   reqs[0].FutID,
		MiniID:  reqs[0].MiniID,
		Keys:    []LockVal{{DhtVer: toWire(seeded), HasVer: true}},
	}
	n.handleLockResponse(resp)

	ok, err := f.Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("Wait = (%v, %v), want (true, nil)", ok, err)
	}

	if val, okv := e.RawGet(); !okv || string(val) != "v" {
		t.Fatalf("local value not preserved: %q", val)
	}
	if !e.DhtVersion().Equal(seeded) {
		t.Fatalf("version changed: %v", e.DhtVersion())
	}
	if e.Reads() != 1 {
		t.Fatalf("read metric = %d, want 1", e.Reads())
	}
	if len(events) != 1 || events[0].Type != near.EventObjectRead || string(events[0].NewVal) != "v" {
		t.Fatalf("read event wrong: %+v", events)
	}
}

func TestLockMissingDhtVersionFails(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 5 * time.Second,
	})
	reqs := fs.waitLocks(t, 1)

	resp := &MsgLockResp{
		Base:    Base{T: MTLockResp, ID: reqs[0].ID},
		LockVer: reqs[0].LockVer,
		FutID:   reqs[0].FutID,
		MiniID:  reqs[0].MiniID,
		Keys:    []LockVal{{}}, // no version: broken peer invariant
	}
	n.handleLockResponse(resp)

	ok, err := f.Wait(waitCtx(t))
	if ok {
		t.Fatalf("attempt succeeded without a dht version")
	}
	if !errors.Is(err, ErrMissingDhtVersion) {
		t.Fatalf("err = %v, want ErrMissingDhtVersion", err)
	}
}

func TestLockPeerErrorSingleShot(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 5 * time.Second,
	})
	reqs := fs.waitLocks(t, 1)

	fail := okResp(n, reqs[0], nil)
	fail.Keys = nil
	fail.Err = "boom"
	n.handleLockResponse(fail)

	// A success response after the terminal error must be ignored.
	n.handleLockResponse(okResp(n, reqs[0], nil))

	ok, err := f.Wait(waitCtx(t))
	if ok {
		t.Fatalf("attempt succeeded after peer error")
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want peer error", err)
	}
}

func TestLockCancel(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Owner: 1, Timeout: 5 * time.Second,
	})
	reqs := fs.waitLocks(t, 1)

	if !f.Cancel() {
		t.Fatalf("cancel rejected")
	}

	ok, err := f.Wait(waitCtx(t))
	if ok || !errors.Is(err, ErrFutureCancelled) {
		t.Fatalf("Wait = (%v, %v), want cancelled", ok, err)
	}

	// Responses after cancellation are discarded as "future is done".
	n.handleLockResponse(okResp(n, reqs[0], nil))
	if e := n.near.Peek(kB); e != nil && e.HasLockCandidate(f.LockVersion()) {
		t.Fatalf("candidate survived cancellation")
	}
}

func TestLockFailureMarksTxRollbackOnly(t *testing.T) {
	n, fs := newTestNode(t, "A", "B")

	kB := keyOwnedBy(t, n, "B")

	tx := n.Begin(3, TxOptions{})
	f := n.LockAllAsync([]string{kB}, LockOptions[string, []byte]{
		Tx: tx, Timeout: 5 * time.Second,
	})
	reqs := fs.waitLocks(t, 1)

	fail := okResp(n, reqs[0], nil)
	fail.Keys = nil
	fail.Err = "primary refused"
	n.handleLockResponse(fail)

	if ok, _ := f.Wait(waitCtx(t)); ok {
		t.Fatalf("attempt succeeded after refusal")
	}
	if !tx.RollbackOnly() {
		t.Fatalf("failed in-tx attempt did not mark rollback-only")
	}

	// In-tx failure defers release to the rollback path: no unlocks sent.
	if len(fs.unlockReqs()) != 0 {
		t.Fatalf("release sent despite enclosing transaction")
	}
}
