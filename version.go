package nearlock

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	verSeqBits = 16 // low bits of Order carry a per-ms sequence
	verSeqMask = (1 << verSeqBits) - 1
)

// NodeID identifies a cluster node. Stable for the node's lifetime.
type NodeID string

// Version is a globally unique, monotonically ordered identifier. Order is
// comparable across nodes (hybrid-logical, see Clock); ID disambiguates
// versions allocated in the same tick on different nodes.
type Version struct {
	Order uint64
	ID    uuid.UUID
}

// IsZero reports whether v is the zero version (no version observed).
func (v Version) IsZero() bool {
	return v.Order == 0 && v.ID == uuid.Nil
}

func (v Version) Equal(o Version) bool {
	return v.Order == o.Order && v.ID == o.ID
}

// Less orders versions by Order, breaking ties by ID bytes.
func (v Version) Less(o Version) bool {
	if v.Order != o.Order {
		return v.Order < o.Order
	}
	return bytes.Compare(v.ID[:], o.ID[:]) < 0
}

func (v Version) String() string {
	if v.IsZero() {
		return "ver{zero}"
	}
	return "ver{" + v.ID.String()[:8] + "}"
}

// Clock allocates the Order half of versions: a 64-bit hybrid logical value
// laid out as [48 bits physical millis][16 bits sequence]. Tick is strictly
// monotonic for local allocations; Observe folds in remote orders so
// subsequent local allocations sort after anything already seen.
type Clock struct {
	mu     sync.Mutex
	physMS int64
	seq    uint16
}

func NewClock() *Clock { return &Clock{} }

// Tick returns a strictly monotonic order value.
func (c *Clock) Tick() uint64 {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.physMS {
		c.physMS = now
		c.seq = 0
	} else {
		if c.seq < verSeqMask {
			c.seq++
		} else {
			c.physMS++
			c.seq = 0
		}
	}
	return pack(c.physMS, c.seq)
}

// Observe incorporates a remote order so the next Tick sorts after it.
func (c *Clock) Observe(remote uint64) {
	rp, rseq := unpack(remote)
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physMS
	if now > phys {
		phys = now
	}
	if rp > phys {
		phys = rp
	}

	switch {
	case phys == rp && phys == c.physMS:
		seq := c.seq
		if rseq > seq {
			seq = rseq
		}
		c.bumpLocked(phys, seq)
	case phys == rp:
		c.bumpLocked(phys, rseq)
	case phys == c.physMS:
		c.bumpLocked(phys, c.seq)
	default:
		c.physMS = phys
		c.seq = 0
	}
}

// bumpLocked advances to (phys, seq+1), rolling into the next millisecond
// when the sequence saturates. Callers hold c.mu.
func (c *Clock) bumpLocked(phys int64, seq uint16) {
	if seq < verSeqMask {
		c.physMS = phys
		c.seq = seq + 1
	} else {
		c.physMS = phys + 1
		c.seq = 0
	}
}

// NewVersion allocates a fresh globally unique version.
func (c *Clock) NewVersion() Version {
	return Version{Order: c.Tick(), ID: uuid.New()}
}

func pack(physMS int64, seq uint16) uint64 {
	return (uint64(physMS) << verSeqBits) | uint64(seq)
}

func unpack(order uint64) (physMS int64, seq uint16) {
	return int64(order >> verSeqBits), uint16(order & verSeqMask)
}
