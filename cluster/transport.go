package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// asyncHandler receives frames that no pending request is waiting on.
// On an outbound connection these are lock responses; the node ignores
// every other type.
type asyncHandler func(t MsgType, raw []byte)

type peerConn struct {
	addr     string
	self     string
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	mu       sync.Mutex
	pend     *xsync.MapOf[uint64, chan []byte]
	closed   chan struct{}
	maxFrame int
	readTO   time.Duration
	writeTO  time.Duration
	idleTO   time.Duration
	inflight chan struct{}
	token    string
	onAsync  asyncHandler
}

// dialPeer establishes a TCP connection, performs an optional Hello auth,
// and starts a read loop. Frames matching a pending request ID unblock the
// requester; everything else is routed to the async handler.
func dialPeer(self, addr string, sec Security, onAsync asyncHandler) (*peerConn, error) {
	d := &net.Dialer{
		Timeout:   sec.ReadTimeout,
		KeepAlive: 45 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			_ = c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			})
			return ctrlErr
		},
	}

	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}

	rb := sec.ReadBufSize
	if rb <= 0 {
		rb = 32 << 10
	}
	wb := sec.WriteBufSize
	if wb <= 0 {
		wb = 32 << 10
	}

	pc := &peerConn{
		addr:     addr,
		self:     self,
		conn:     c,
		r:        bufio.NewReaderSize(c, rb),
		w:        bufio.NewWriterSize(c, wb),
		pend:     xsync.NewMapOf[uint64, chan []byte](),
		closed:   make(chan struct{}),
		maxFrame: sec.MaxFrameSize,
		readTO:   sec.ReadTimeout,
		writeTO:  sec.WriteTimeout,
		idleTO:   sec.IdleTimeout,
		inflight: make(chan struct{}, max(sec.MaxInflightPerPeer, 1)),
		token:    sec.AuthToken,
		onAsync:  onAsync,
	}
	if pc.token != "" {
		if err := pc.hello(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) hello() error {
	id := uint64(time.Now().UnixNano())
	msg := &MsgHello{Base: Base{T: MTHello, ID: id}, From: p.self, Token: p.token}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	respRaw, err := p.readFrame()
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return errors.New("bad hello resp")
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = "unauthorized"
		}
		return errors.New(hr.Err)
	}
	return nil
}

func (p *peerConn) close() {
	_ = p.conn.Close()
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

func (p *peerConn) failAll(err error) {
	// notify all pending requests that the connection failed.
	p.pend.Range(func(_ uint64, ch chan []byte) bool {
		// close channel so request() unblocks and returns "peer closed".
		close(ch)
		return true
	})
	p.pend.Clear()
	p.close()
}

// readLoop continuously reads frames, unblocking waiters with matching IDs
// and routing everything else to the async handler.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.failAll(err)
			return
		}
		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}
		if ch, ok := p.pend.LoadAndDelete(base.ID); ok {
			ch <- buf
			close(ch)
			continue
		}
		if p.onAsync != nil {
			p.onAsync(base.T, buf)
		}
	}
}

func (p *peerConn) readFrame() ([]byte, error) {
	if p.readTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	}
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, errors.New("frame too large")
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	if p.idleTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTO))
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	return p.w.Flush()
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// send fires a one-way message; any response arrives asynchronously via
// the read loop.
func (p *peerConn) send(msg any) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}

	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writeFrame(raw)
}

// request sends msg and blocks for the frame answering id, up to timeout.
func (p *peerConn) request(msg any, id uint64, timeout time.Duration) ([]byte, error) {
	select {
	case p.inflight <- struct{}{}:
	default:
		return nil, errors.New("peer inflight limit")
	}
	defer func() { <-p.inflight }()

	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// each request registers a one-shot channel under its ID; readLoop
	// delivers the response or the request times out and cleans up the slot.
	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)

	if err := p.writeFrame(raw); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-timer.C:
		p.pend.Delete(id)
		return nil, ErrTimeout
	}
}
