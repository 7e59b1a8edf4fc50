// Package node wires the six subsystems (ring, storage, dh, cbht, txg, r2)
// and a transport into one running MDS, MDSL, or R2 process, the way the
// teacher's internal/engine wires index+storage+compaction — except here
// the wiring differs by role, since an MDSL process has no CBHT and an R2
// process has none of the MDS subsystems at all.
package node

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hvfs/metadata/internal/cbht"
	"github.com/hvfs/metadata/internal/dh"
	"github.com/hvfs/metadata/internal/r2"
	"github.com/hvfs/metadata/internal/ring"
	"github.com/hvfs/metadata/internal/storage"
	"github.com/hvfs/metadata/internal/transport"
	"github.com/hvfs/metadata/internal/txg"
	"github.com/hvfs/metadata/internal/wire"
	"github.com/hvfs/metadata/pkg/errors"
	"github.com/hvfs/metadata/pkg/options"
	"github.com/hvfs/metadata/pkg/siteid"
)

const (
	ringGroupMDS  uint32 = r2.GroupMDS
	ringGroupMDSL uint32 = r2.GroupMDSL
)

// Config configures a Node for one of the three roles.
type Config struct {
	Options   options.Options
	Role      siteid.Role
	SiteID    siteid.ID
	Fsid      uint32
	Salt      string
	Transport transport.Transport
	Logger    *zap.SugaredLogger

	// ListenAddr is where this node accepts Conns for its role; empty
	// skips listening (e.g. a client-only caller that only Dials out).
	ListenAddr string
}

// Node is a running metadata-plane process. Which fields are non-nil
// depends on Role: an MDS gets Ring/Table/Txg/DH/Storage; an MDSL gets
// only Storage; an R2 gets only Registry.
type Node struct {
	cfg Config
	log *zap.SugaredLogger

	Ring     *ring.Ring
	Addr     *ring.AddrTable
	Storage  *storage.Storage
	DH       *dh.Manager
	Table    *cbht.Table
	Txg      *txg.Manager
	Registry *r2.Registry

	listener transport.Listener

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds and wires a Node for cfg.Role. Subsystems are constructed in
// dependency order: ring and storage first (no internal dependencies),
// then the table (needs a backend over storage, but not yet a notifier),
// then dh (needs a backend over storage and the table), then txg (needs
// the table), and finally the table's notifier is patched in once
// txg exists — the one circular dependency in the wiring graph.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Transport == nil {
		return nil, errors.NewArgError("node", "a transport is required")
	}

	n := &Node{cfg: cfg, log: cfg.Logger, stop: make(chan struct{})}

	switch cfg.Role {
	case siteid.RoleR2:
		n.Registry = r2.New(cfg.Options.DataDir, cfg.Options.Heartbeat, cfg.Logger)
	case siteid.RoleMDSL:
		st, err := storage.New(&storage.Config{Options: &cfg.Options, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		n.Storage = st
	case siteid.RoleMDS:
		if err := n.wireMDS(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewArgError("node", "unsupported role for a standalone node")
	}

	if cfg.ListenAddr != "" {
		ln, err := cfg.Transport.Listen(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		n.listener = ln
	}
	return n, nil
}

func (n *Node) wireMDS() error {
	cfg := n.cfg

	n.Ring = ring.New(cfg.Options.Ring.VirtualNodes)
	n.Addr = ring.NewAddrTable()

	st, err := storage.New(&storage.Config{Options: &cfg.Options, Logger: cfg.Logger})
	if err != nil {
		return err
	}
	n.Storage = st

	table := cbht.NewTable(cbht.Options{
		BucketDepth: cfg.Options.CBHT.BucketDepth,
		DirDepth:    cfg.Options.CBHT.DirDepth,
	}, &storageITBBackend{store: st}, nil)
	n.Table = table

	dhMgr, err := dh.New(dh.Config{
		Backend:    &cbhtDHBackend{table: table, store: st},
		SliceBytes: cfg.Options.BitmapSliceBytes,
		Forward:    n.forwardAubitmap,
	})
	if err != nil {
		return err
	}
	n.DH = dhMgr

	self := uint64(cfg.SiteID)
	txgMgr, err := txg.New(txg.Config{
		Table:    table,
		Store:    st,
		Ring:     &ringOwner{r: n.Ring, self: self},
		Ausplit:  &ausplitSender{fsid: uint64(cfg.Fsid), self: self, addr: n.Addr, trans: cfg.Transport},
		Bitmap:   &dhBitmapSink{dh: dhMgr, self: self},
		Interval: cfg.Options.Txg.Interval,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return err
	}
	n.Txg = txgMgr
	table.SetNotifier(txgMgr)

	return nil
}

// forwardAubitmap is dh's Delta.forward: in a full deployment this dials
// R2's CmdR2Bitmap endpoint; until internal/node is handed an R2 address
// it only logs, since a dropped aubitmap forward is tolerated (§7's
// propagation policy relies on the local bitmap already having been
// merged synchronously by QueueDelta).
func (n *Node) forwardAubitmap(d dh.Delta) error {
	n.log.Debugw("aubitmap forward", "site", d.SiteID, "uuid", d.UUID, "itbid", d.ITBID)
	return nil
}

// RegisterDirectory publishes uuid's DHE into the GDT (§3 "GDT"), the
// step a directory create must perform before any other site's dh_search
// can resolve it. Only meaningful on an MDS node.
func (n *Node) RegisterDirectory(d dh.DHE) error {
	if n.Table == nil {
		return errors.NewArgError("node", "directory registration requires an MDS-role node")
	}
	name := dheName(d.UUID)
	itb, err := n.Table.Search(gdtRoot, nameToITBID(name), wire.IndexCreate)
	if err != nil {
		return err
	}
	itb.Insert(&cbht.ITE{Name: name, UUID: d.UUID, MDU: encodeDHEToMDU(d)})
	return nil
}

// Run starts every background loop this node's role owns (the dh delta
// drainer and TXG rotation timer for an MDS, the heartbeat sweeper for
// R2) and blocks until Stop is called or one of them returns an error.
func (n *Node) Run() error {
	g := new(errgroup.Group)

	if n.DH != nil {
		g.Go(func() error { n.DH.Run(n.stop); return nil })
	}
	if n.Txg != nil {
		g.Go(func() error { n.Txg.Run(n.stop); return nil })
	}
	if n.Registry != nil {
		g.Go(func() error { n.Registry.RunSweeper(n.stop); return nil })
	}
	if n.listener != nil {
		g.Go(n.acceptLoop)
	}

	return g.Wait()
}

func (n *Node) acceptLoop() error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return nil
			default:
				return err
			}
		}
		go n.handleConn(conn)
	}
}

// handleConn is the placeholder request dispatch loop: decoding a Cmd and
// routing it to the right subsystem method is transport-framing plumbing
// the outer RPC surface (FUSE, client library) drives, out of scope per
// SPEC_FULL.md's Non-goals — this just keeps the connection drained so a
// peer's one-way notifications (ausplit, aubitmap) don't block on a full
// socket buffer.
func (n *Node) handleConn(conn transport.Conn) {
	defer conn.Close()
	for {
		if _, err := conn.Recv(); err != nil {
			return
		}
	}
}

// Stop signals every running loop to exit and closes the listener, if
// any. Safe to call multiple times.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	if n.listener != nil {
		_ = n.listener.Close()
	}
}

// Close stops the node and releases every subsystem's resources,
// aggregating every error encountered rather than stopping at the first.
func (n *Node) Close() error {
	n.Stop()

	var err error
	if n.DH != nil {
		n.DH.Close()
	}
	if n.Storage != nil {
		err = multierr.Append(err, n.Storage.Close())
	}
	return err
}

func dheName(uuid uint64) string {
	return fmt.Sprintf("%d", uuid)
}
