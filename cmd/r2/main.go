// Command r2 runs the Root/Registry process: site-id allocation, ring and
// address-table distribution, gdt-bitmap/root-tx bookkeeping, and the
// heartbeat sweeper, serving R2 membership requests over TCP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hvfs/metadata/internal/node"
	"github.com/hvfs/metadata/internal/transport"
	"github.com/hvfs/metadata/pkg/logger"
	"github.com/hvfs/metadata/pkg/options"
	"github.com/hvfs/metadata/pkg/siteid"
)

var (
	dataDir       = flag.String("data_dir", options.DefaultDataDir, "base directory for hxi checkpoints and fsid root records")
	listenAddr    = flag.String("listen", ":7000", "address r2 accepts site registration/heartbeat requests on")
	hbInterval    = flag.Duration("heartbeat_interval", options.DefaultHeartbeatInterval, "expected interval between a site's heartbeats")
	hbLostLimit   = flag.Int("heartbeat_lost_limit", options.DefaultHeartbeatLostLimit, "consecutive missed heartbeats before a site is demoted")
	hbSweepEvery  = flag.Duration("heartbeat_sweep_every", options.DefaultHeartbeatSweepEvery, "how often the heartbeat sweeper runs")
)

func main() {
	flag.Parse()

	log := logger.New("r2")
	defer log.Sync()

	opts := options.Build(options.WithDataDir(*dataDir))
	opts.Heartbeat.Interval = *hbInterval
	opts.Heartbeat.LostLimit = *hbLostLimit
	opts.Heartbeat.SweepEvery = *hbSweepEvery

	n, err := node.New(node.Config{
		Options:    opts,
		Role:       siteid.RoleR2,
		Transport:  transport.NewTCP(),
		Logger:     log,
		ListenAddr: *listenAddr,
	})
	if err != nil {
		log.Fatalw("failed to wire r2 node", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorw("r2 run loop exited", "error", err)
		}
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
		n.Stop()
		<-errCh
	}

	if err := n.Close(); err != nil {
		log.Errorw("error closing r2 node", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
