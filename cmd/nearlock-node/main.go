package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/nearlock/cluster"
)

func main() {
	var (
		bind   = flag.String("bind", ":5011", "listen address, e.g. 0.0.0.0:5011")
		public = flag.String("public", "localhost:5011", "public address peers use to reach this node")
		seeds  = flag.String("seeds", "", "comma-separated seed peers (host:port)")

		// security & limits
		authTok  = flag.String("auth", "", "optional shared token for peer handshake")
		maxFrame = flag.Int("maxframe", 4<<20, "max frame bytes")
		maxKey   = flag.Int("maxkey", 128<<10, "max key bytes (stored in config; not checked by the node)")
		readTO   = flag.Duration("readto", 3*time.Second, "read timeout per frame")
		writeTO  = flag.Duration("writeto", 3*time.Second, "write timeout per frame")
		idleTO   = flag.Duration("idleto", 10*time.Second, "idle timeout")
		inflight = flag.Int("inflight", 256, "max inflight per peer")

		// membership
		gossip    = flag.Duration("gossip", 500*time.Millisecond, "gossip interval")
		suspicion = flag.Duration("suspect", 2*time.Second, "suspect after")
		tombstone = flag.Duration("tomb", 30*time.Second, "tombstone prune after (stored in config; the node does no pruning)")
		topoTick  = flag.Duration("topo", time.Second, "topology confirmation interval")

		lockTO = flag.Duration("lockto", 0, "default lock timeout (0=wait indefinitely)")

		logDev = flag.Bool("logdev", false, "development (human-readable) logging")
	)
	flag.Parse()

	cfg := cluster.Default()
	cfg.BindAddr = *bind
	cfg.PublicURL = *public
	if *seeds != "" {
		cfg.Seeds = splitCSV(*seeds)
	}

	cfg.GossipInterval = *gossip
	cfg.SuspicionAfter = *suspicion
	cfg.TombstoneAfter = *tombstone
	cfg.TopologyUpdate = *topoTick
	cfg.DefaultLockTimeout = *lockTO

	cfg.Sec.AuthToken = *authTok
	cfg.Sec.MaxFrameSize = *maxFrame
	cfg.Sec.MaxKeySize = *maxKey
	cfg.Sec.ReadTimeout = *readTO
	cfg.Sec.WriteTimeout = *writeTO
	cfg.Sec.IdleTimeout = *idleTO
	cfg.Sec.MaxInflightPerPeer = *inflight

	logger, err := buildLogger(*logDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	node := cluster.NewNode[string, []byte](cfg, cluster.StringKeyCodec[string]{}, cluster.BytesCodec{}, logger)
	if err := node.Start(); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}
	logger.Info("nearlock node started",
		zap.String("bind", cfg.BindAddr),
		zap.String("public", cfg.PublicURL),
		zap.Strings("seeds", cfg.Seeds))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	node.Stop()
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
