// Command mdsl runs a single Metadata Storage Layer process: the on-disk
// ITB/bitmap/range-index storage engine, serving flush and read requests
// from MDS sites over TCP until terminated.
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
	dataDir     = flag.String("data_dir", options.DefaultDataDir, "base directory for this site's segment files")
	listenAddr  = flag.String("listen", ":7200", "address this MDSL accepts MDS connections on")
	siteOrdinal = flag.Uint64("site_ordinal", 0, "this site's MDSL ordinal, as assigned by r2 (0 until registered)")
	segmentSize = flag.Uint64("segment_size", options.DefaultSegmentSize, "max size of one itb-* segment file before rotation")
	bufSize     = flag.Int("buf_size", options.DefaultAppendBufferSize, "size of each append-buffer half")
)

func main() {
	flag.Parse()

	log := logger.New("mdsl")
	defer log.Sync()

	opts := options.Build(
		options.WithDataDir(*dataDir),
		options.WithSegmentSize(*segmentSize),
	)
	opts.Segment.BufSize = *bufSize

	n, err := node.New(node.Config{
		Options:    opts,
		Role:       siteid.RoleMDSL,
		SiteID:     siteid.New(siteid.RoleMDSL, *siteOrdinal),
		Transport:  transport.NewTCP(),
		Logger:     log,
		ListenAddr: *listenAddr,
	})
	if err != nil {
		log.Fatalw("failed to wire mdsl node", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorw("mdsl run loop exited", "error", err)
		}
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
		n.Stop()
		<-errCh
	}

	if err := n.Close(); err != nil {
		log.Errorw("error closing mdsl node", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
