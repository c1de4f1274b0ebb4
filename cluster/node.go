package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	near "github.com/unkn0wn-root/nearlock"
)

// sender delivers one-way messages to a peer address. The node's network
// implementation dials and caches connections; tests substitute fakes.
type sender interface {
	send(addr string, msg any) error
}

// Node is one member of the cluster: it carries the near (client-side)
// entry store, the DHT primary tier for keys it owns, the membership view,
// and the lock coordination machinery that ties them together.
type Node[K comparable, V any] struct {
	cfg   Config
	kc    KeyCodec[K]
	codec Codec[V]
	log   *zap.Logger

	near  *near.Store[K, V]
	dht   *dhtTier[K, V]
	clock *near.Clock

	topo *topology
	reg  *futureRegistry[K, V]
	tw   *timeoutWheel
	tm   *txManager[K]

	io sender

	peersMu sync.RWMutex
	peers   map[string]*peerConn

	ln       net.Listener
	reqID    uint64
	stop     chan struct{}
	stopOnce sync.Once

	locksAcquired *metrics.Counter
	locksFailed   *metrics.Counter
	locksTimedOut *metrics.Counter
	lockRemaps    *metrics.Counter
	entryReads    *metrics.Counter
}

// NewNode constructs an unstarted node. Call Start to begin listening and
// background loops; a node used purely in-process (tests, embedded) works
// without Start.
func NewNode[K comparable, V any](cfg Config, kc KeyCodec[K], codec Codec[V], log *zap.Logger) *Node[K, V] {
	cfg.EnsureID()
	if log == nil {
		log = zap.NewNop()
	}

	n := &Node[K, V]{
		cfg:   cfg,
		kc:    kc,
		codec: codec,
		log:   log.With(zap.String("node", string(cfg.ID))),
		near:  near.NewStore[K, V](cfg.ShardCount, kc.EncodeKey),
		clock: near.NewClock(),
		topo:  newTopology(),
		reg:   newFutureRegistry[K, V](),
		tw:    newTimeoutWheel(),
		tm:    newTxManager[K](),
		peers: make(map[string]*peerConn),
		stop:  make(chan struct{}),

		locksAcquired: metrics.GetOrCreateCounter(`nearlock_locks_acquired_total`),
		locksFailed:   metrics.GetOrCreateCounter(`nearlock_locks_failed_total`),
		locksTimedOut: metrics.GetOrCreateCounter(`nearlock_locks_timed_out_total`),
		lockRemaps:    metrics.GetOrCreateCounter(`nearlock_lock_remaps_total`),
		entryReads:    metrics.GetOrCreateCounter(`nearlock_entry_reads_total`),
	}

	n.dht = newDhtTier(cfg.ID, near.NewStore[K, V](cfg.ShardCount, kc.EncodeKey), codec, n.clock, n.log)
	n.io = &netSender[K, V]{n: n}

	// Ownership changes feed the future registry; it holds non-owning
	// handles keyed by future ID, so completed attempts are unreachable.
	n.near.SetOwnerListener(n.reg)
	n.topo.SetNodeLeftListener(n.reg)

	// Ensure self is present so affinity can select this node as primary.
	n.topo.ensure(cfg.ID, cfg.PublicURL)

	return n
}

// Near exposes the near entry store.
func (n *Node[K, V]) Near() *near.Store[K, V] { return n.near }

// ID returns this node's cluster identifier.
func (n *Node[K, V]) ID() NodeID { return n.cfg.ID }

// PutPrimary installs an authoritative value on this node's primary tier.
func (n *Node[K, V]) PutPrimary(key K, val V) (near.Version, error) {
	return n.dht.Put(key, val)
}

// Begin starts a transaction bound to the given logical owner.
func (n *Node[K, V]) Begin(owner uint64, opts TxOptions) *Tx[K] {
	t := newTx[K](n.clock.NewVersion(), owner, opts)
	n.tm.TxContext(t)
	return t
}

// Tm exposes the transaction manager.
func (n *Node[K, V]) Tm() *txManager[K] { return n.tm }

// LockAllAsync starts a lock acquisition attempt for keys. The returned
// future resolves true once every key is locked, false when the attempt
// timed out or a lock was refused, and with an error for fatal failures.
func (n *Node[K, V]) LockAllAsync(keys []K, opts LockOptions[K, V]) *LockFuture[K, V] {
	if opts.Timeout == 0 && n.cfg.DefaultLockTimeout > 0 {
		opts.Timeout = n.cfg.DefaultLockTimeout
	}

	f := newLockFuture(n, keys, opts)

	n.reg.AddFuture(f)

	if f.timeout > 0 {
		f.timeoutObj = newLockTimeoutObj(f)
		n.tw.Add(f.timeoutObj)
	}

	f.mapAll()
	return f
}

// Unlock releases the locks held under ver for keys: local candidates on
// both tiers plus release messages to remote primaries.
func (n *Node[K, V]) Unlock(ver near.Version, keys []K) {
	n.removeLocks(ver, keys)
}

// removeLocks removes near-side candidates for keys and asks each key's
// primary to release its side. Best effort: unreachable peers are logged,
// their primary lock expires with their membership.
func (n *Node[K, V]) removeLocks(ver near.Version, keys []K) {
	n.topo.ReadLock()
	nodes := n.topo.AllNodes()
	n.topo.ReadUnlock()

	remote := make(map[*nodeMeta][][]byte)
	var localKeys []K

	for _, k := range keys {
		if e := n.near.Peek(k); e != nil {
			e.RemoveLock(ver)
		}

		primary := primary0(affinity(n.hash64Of(k), nodes))
		if primary == nil {
			continue
		}
		if primary.ID == n.cfg.ID {
			localKeys = append(localKeys, k)
		} else {
			remote[primary] = append(remote[primary], n.kc.EncodeKey(k))
		}
	}

	if len(localKeys) > 0 {
		n.dht.RemoveLocks(ver, localKeys)
	}

	for nm, kbs := range remote {
		msg := &MsgUnlock{
			Base:    Base{T: MTUnlock, ID: n.nextReqID()},
			From:    string(n.cfg.ID),
			LockVer: toWire(ver),
			Keys:    kbs,
		}
		if err := n.io.send(nm.Addr, msg); err != nil {
			n.log.Debug("failed to send unlock", zap.String("node", string(nm.ID)), zap.Error(err))
		}
	}
}

// sendLock ships a lock request to a peer, converting unreachable-peer
// failures into topology errors so the mini-future remaps.
func (n *Node[K, V]) sendLock(nm *nodeMeta, req *MsgLock) error {
	err := n.io.send(nm.Addr, req)
	if err == nil {
		return nil
	}
	if isFatalTransport(err) || errors.Is(err, errNoPeer) {
		return newTopologyError(nm.ID, err)
	}
	return err
}

func (n *Node[K, V]) hash64Of(key K) uint64 {
	if kh, ok := any(n.kc).(KeyHasher[K]); ok {
		return kh.Hash64(key)
	}
	return xxhash.Sum64(n.kc.EncodeKey(key))
}

func (n *Node[K, V]) nextReqID() uint64 {
	return atomic.AddUint64(&n.reqID, 1)
}

func (n *Node[K, V]) onLockComplete(success, timedOut bool) {
	switch {
	case success:
		n.locksAcquired.Inc()
	case timedOut:
		n.locksTimedOut.Inc()
	default:
		n.locksFailed.Inc()
	}
}

func (n *Node[K, V]) onRemap()     { n.lockRemaps.Inc() }
func (n *Node[K, V]) onEntryRead() { n.entryReads.Inc() }

// Start begins listening for peer connections, dials configured seeds to
// accelerate membership formation, and launches the gossip and topology
// loops.
func (n *Node[K, V]) Start() error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		return err
	}
	n.ln = ln
	go n.acceptLoop(ln)

	for _, s := range n.cfg.Seeds {
		if s != n.cfg.PublicURL {
			_ = n.ensurePeer(s)
		}
	}

	go n.gossipLoop()
	go n.topologyLoop()

	return nil
}

// Stop shuts down loops, the timeout wheel, and peer connections.
// Idempotent.
func (n *Node[K, V]) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.ln != nil {
			_ = n.ln.Close()
		}
		n.tw.Stop()
		n.closePeers()
	})
}

func (n *Node[K, V]) closePeers() {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	for _, p := range n.peers {
		p.close()
	}
	n.peers = make(map[string]*peerConn)
}

// ensurePeer returns an existing peer connection or dials a new one and
// caches it.
func (n *Node[K, V]) ensurePeer(addr string) *peerConn {
	n.peersMu.RLock()
	p := n.peers[addr]
	n.peersMu.RUnlock()
	if p != nil {
		return p
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if p = n.peers[addr]; p != nil {
		return p
	}

	pc, err := dialPeer(n.cfg.PublicURL, addr, n.cfg.Sec, func(t MsgType, raw []byte) {
		n.handleAsync(t, raw)
	})
	if err != nil {
		n.log.Debug("failed to dial peer", zap.String("addr", addr), zap.Error(err))
		return nil
	}

	n.peers[addr] = pc
	return pc
}

// resetPeer closes and removes a cached peer connection for addr.
func (n *Node[K, V]) resetPeer(addr string) {
	n.peersMu.Lock()
	if p, ok := n.peers[addr]; ok && p != nil {
		p.close()
		delete(n.peers, addr)
	}
	n.peersMu.Unlock()
}

var errNoPeer = errors.New("peer unreachable")

// netSender is the production sender: it resolves a cached or fresh
// connection per address and writes one frame.
type netSender[K comparable, V any] struct {
	n *Node[K, V]
}

func (s *netSender[K, V]) send(addr string, msg any) error {
	pc := s.n.ensurePeer(addr)
	if pc == nil {
		return errNoPeer
	}
	err := pc.send(msg)
	if err != nil && isFatalTransport(err) {
		s.n.resetPeer(addr)
	}
	return err
}

// acceptLoop accepts inbound TCP connections and hands each to serveConn.
func (n *Node[K, V]) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
		}
		go n.serveConn(c)
	}
}

// serveConn handles one inbound connection: optional Hello auth, then a
// frame loop. Lock requests may block on primary grants, so each frame is
// dispatched on its own goroutine; responses serialize through writeResp.
func (n *Node[K, V]) serveConn(c net.Conn) {
	defer c.Close()

	rb := n.cfg.Sec.ReadBufSize
	if rb <= 0 {
		rb = 32 << 10
	}
	wb := n.cfg.Sec.WriteBufSize
	if wb <= 0 {
		wb = 32 << 10
	}

	r := bufio.NewReaderSize(c, rb)
	w := bufio.NewWriterSize(c, wb)

	var writeMu sync.Mutex
	writeResp := func(payload []byte) {
		if payload == nil {
			return
		}
		if wt := n.cfg.Sec.WriteTimeout; wt > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(wt))
		}
		writeMu.Lock()
		_ = writeFrameBuf(w, payload)
		writeMu.Unlock()
	}

	authed := n.cfg.Sec.AuthToken == ""

	for {
		buf, err := readServeFrame(c, r, n.cfg.Sec)
		if err != nil {
			return
		}

		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}

		if !authed {
			if base.T != MTHello {
				return
			}
			var h MsgHello
			ok := cborDec.Unmarshal(buf, &h) == nil && h.Token == n.cfg.Sec.AuthToken
			ack := MsgHelloResp{Base: Base{T: MTHelloResp, ID: base.ID}, OK: ok}
			if !ok {
				ack.Err = "unauthorized"
			}
			raw, _ := cborEnc.Marshal(&ack)
			writeResp(raw)
			if !ok {
				return
			}
			authed = true
			continue
		}

		frame := buf
		go n.dispatch(base, frame, writeResp)
	}
}

func readServeFrame(c net.Conn, r *bufio.Reader, sec Security) ([]byte, error) {
	idle := sec.IdleTimeout
	if idle <= 0 {
		idle = sec.ReadTimeout
	}
	if idle > 0 {
		_ = c.SetReadDeadline(time.Now().Add(idle))
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	nbytes := int(binary.BigEndian.Uint32(hdr[:]))
	if sec.MaxFrameSize > 0 && nbytes > sec.MaxFrameSize {
		return nil, errors.New("frame too large")
	}

	if rt := sec.ReadTimeout; rt > 0 {
		_ = c.SetReadDeadline(time.Now().Add(rt))
	}

	buf := make([]byte, nbytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// dispatch routes one inbound frame by message type.
func (n *Node[K, V]) dispatch(base Base, raw []byte, writeResp func([]byte)) {
	switch base.T {
	case MTLock:
		var m MsgLock
		if cborDec.Unmarshal(raw, &m) == nil {
			if out := n.handleLock(&m); out != nil {
				payload, _ := cborEnc.Marshal(out)
				writeResp(payload)
			}
		}
	case MTUnlock:
		var m MsgUnlock
		if cborDec.Unmarshal(raw, &m) == nil {
			n.handleUnlock(&m)
		}
	case MTGossip:
		var g MsgGossip
		if cborDec.Unmarshal(raw, &g) == nil {
			n.ingestGossip(&g)
			ack := MsgGossip{Base: Base{T: MTGossip, ID: g.ID}, From: string(n.cfg.ID)}
			payload, _ := cborEnc.Marshal(&ack)
			writeResp(payload)
		}
	}
}

// handleAsync consumes frames arriving on outbound connections that no
// pending request claimed: lock responses from primaries we asked.
func (n *Node[K, V]) handleAsync(t MsgType, raw []byte) {
	if t != MTLockResp {
		return
	}
	var m MsgLockResp
	if err := cborDec.Unmarshal(raw, &m); err != nil {
		return
	}
	n.handleLockResponse(&m)
}

// handleLock serves this node's primary side of a lock request.
func (n *Node[K, V]) handleLock(m *MsgLock) *MsgLockResp {
	resp := &MsgLockResp{
		Base:    Base{T: MTLockResp, ID: m.ID},
		LockVer: m.LockVer,
		FutID:   m.FutID,
		MiniID:  m.MiniID,
	}

	keys := make([]K, 0, len(m.Keys))
	wantRet := make([]bool, 0, len(m.Keys))
	nearVers := make([]near.Version, 0, len(m.Keys))
	for _, lk := range m.Keys {
		k, err := n.kc.DecodeKey(lk.Key)
		if err != nil {
			resp.Err = err.Error()
			return resp
		}
		keys = append(keys, k)
		wantRet = append(wantRet, lk.WantRet)
		if lk.HasVer {
			nearVers = append(nearVers, fromWire(lk.DhtVer))
		} else {
			nearVers = append(nearVers, near.Version{})
		}
	}

	lockVer := fromWire(m.LockVer)
	n.clock.Observe(lockVer.Order)

	out := <-n.dht.LockAllAsync(&lockReq[K, V]{
		requester: NodeID(m.From),
		owner:     m.Owner,
		lockVer:   lockVer,
		timeoutMS: m.TimeoutMS,
		read:      m.Read,
		keys:      keys,
		wantRet:   wantRet,
		nearVers:  nearVers,
	})

	out.Base = resp.Base
	out.LockVer = m.LockVer
	out.FutID = m.FutID
	out.MiniID = m.MiniID
	return out
}

// handleLockResponse routes a primary's response to the attempt that
// issued the request.
func (n *Node[K, V]) handleLockResponse(m *MsgLockResp) {
	futID, err := uuid.FromBytes(m.FutID)
	if err != nil {
		n.log.Warn("lock response with malformed future id")
		return
	}
	if !n.reg.RouteResponse(futID, "", m) {
		n.log.Debug("no future for lock response (already completed?)")
	}
}

// handleUnlock releases primary-side locks for a remote requester.
func (n *Node[K, V]) handleUnlock(m *MsgUnlock) {
	ver := fromWire(m.LockVer)
	keys := make([]K, 0, len(m.Keys))
	for _, kb := range m.Keys {
		k, err := n.kc.DecodeKey(kb)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	n.dht.RemoveLocks(ver, keys)
}

// gossipLoop periodically exchanges membership views with known peers.
func (n *Node[K, V]) gossipLoop() {
	t := time.NewTicker(n.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.sendGossip()
		case <-n.stop:
			return
		}
	}
}

func (n *Node[K, V]) sendGossip() {
	peers, seen, epoch := n.topo.snapshot()
	msg := &MsgGossip{
		Base:  Base{T: MTGossip, ID: n.nextReqID()},
		From:  string(n.cfg.ID),
		Addr:  n.cfg.PublicURL,
		Seen:  seen,
		Peers: peers,
		Epoch: epoch,
		Clock: n.clock.Tick(),
	}

	n.peersMu.RLock()
	conns := make([]*peerConn, 0, len(n.peers))
	for addr, pc := range n.peers {
		if pc != nil && addr != n.cfg.PublicURL {
			conns = append(conns, pc)
		}
	}
	n.peersMu.RUnlock()

	for _, pc := range conns {
		_, _ = pc.request(msg, msg.ID, 1500*time.Millisecond)
	}
}

// ingestGossip merges a peer's membership view and clock sample.
func (n *Node[K, V]) ingestGossip(g *MsgGossip) {
	now := time.Now().UnixNano()
	n.topo.integrate(NodeID(g.From), g.Addr, g.Peers, g.Seen, g.Epoch, now)
	n.clock.Observe(g.Clock)

	for _, p := range g.Peers {
		if p.Addr != "" && p.Addr != n.cfg.PublicURL {
			_ = n.ensurePeer(p.Addr)
		}
	}
}

// topologyLoop confirms suspected departures: nodes unseen past the
// suspicion window are removed from the membership view, which bumps the
// topology version and fans node-left events to in-flight attempts.
func (n *Node[K, V]) topologyLoop() {
	t := time.NewTicker(n.cfg.TopologyUpdate)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now().UnixNano()
			for _, id := range n.topo.suspects(n.cfg.ID, now, n.cfg.SuspicionAfter) {
				if addr, ok := n.topo.addrOf(id); ok {
					n.resetPeer(addr)
				}
				n.log.Info("removing suspected node from topology", zap.String("node", string(id)))
				n.topo.remove(id)
			}
		case <-n.stop:
			return
		}
	}
}
