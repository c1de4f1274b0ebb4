package cluster

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	near "github.com/unkn0wn-root/nearlock"
)

// NodeID aliases the store's node identifier so candidates and cluster
// metadata share one type.
type NodeID = near.NodeID

type Security struct {
	AuthToken          string
	MaxFrameSize       int
	MaxKeySize         int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxInflightPerPeer int
	ReadBufSize        int
	WriteBufSize       int
}

type Config struct {
	ID        NodeID
	BindAddr  string
	PublicURL string
	Seeds     []string

	GossipInterval time.Duration
	SuspicionAfter time.Duration
	TombstoneAfter time.Duration
	TopologyUpdate time.Duration

	// DefaultLockTimeout bounds lock waits when a request carries none.
	DefaultLockTimeout time.Duration

	ShardCount int

	Sec Security
}

func Default() Config {
	return Config{
		GossipInterval:     500 * time.Millisecond,
		SuspicionAfter:     2 * time.Second,
		TombstoneAfter:     30 * time.Second,
		TopologyUpdate:     1 * time.Second,
		DefaultLockTimeout: 0, // wait indefinitely
		Sec: Security{
			MaxFrameSize:       4 << 20,
			MaxKeySize:         128 << 10,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			IdleTimeout:        10 * time.Second,
			MaxInflightPerPeer: 256,
			ReadBufSize:        32 << 10,
			WriteBufSize:       32 << 10,
		},
	}
}

// EnsureID assigns a stable ID when not provided.
// Default: 16-hex digest of PublicURL.
func (c *Config) EnsureID() {
	if c.ID != "" {
		return
	}
	sum := xxhash.Sum64String(c.PublicURL)
	c.ID = NodeID(fmt.Sprintf("%016x", sum))
}
