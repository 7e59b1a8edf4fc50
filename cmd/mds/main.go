// Command mds runs a single Metadata Server process: the ring, storage,
// dh, cbht, and txg subsystems wired together by internal/node, serving
// CBHT lookups over a TCP transport until terminated.
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
	dataDir      = flag.String("data_dir", options.DefaultDataDir, "base directory for this site's on-disk state")
	listenAddr   = flag.String("listen", ":7100", "address this MDS accepts MDS/MDSL connections on")
	siteOrdinal  = flag.Uint64("site_ordinal", 0, "this site's MDS ordinal, as assigned by r2 (0 until registered)")
	fsid         = flag.Uint("fsid", 1, "filesystem id this site serves")
	virtualNodes = flag.Int("ring_vnodes", options.DefaultVirtualNodes, "virtual points per site on the consistent hash ring")
	bucketDepth  = flag.Uint("cbht_bucket_depth", options.DefaultBucketDepth, "initial CBHT bucket depth")
)

func main() {
	flag.Parse()

	log := logger.New("mds")
	defer log.Sync()

	opts := options.Build(
		options.WithDataDir(*dataDir),
		options.WithVirtualNodes(*virtualNodes),
		options.WithBucketDepth(*bucketDepth),
	)

	n, err := node.New(node.Config{
		Options:    opts,
		Role:       siteid.RoleMDS,
		SiteID:     siteid.New(siteid.RoleMDS, *siteOrdinal),
		Fsid:       uint32(*fsid),
		Transport:  transport.NewTCP(),
		Logger:     log,
		ListenAddr: *listenAddr,
	})
	if err != nil {
		log.Fatalw("failed to wire mds node", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorw("mds run loop exited", "error", err)
		}
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
		n.Stop()
		<-errCh
	}

	if err := n.Close(); err != nil {
		log.Errorw("error closing mds node", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
