// Package txg implements the TX/TXG commit path (C5): numbered epochs that
// batch in-memory ITB mutations, a rotation timer that closes and flushes
// them to MDSL, COW-forking for ITBs mutated in a later epoch than the one
// that already pinned them, and the async notification paths: ausplit for
// ITBs a bucket split moves to another site, aubitmap for ITBs the CBHT
// miss path creates (§4.5).
package txg

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hvfs/metadata/internal/cbht"
	"github.com/hvfs/metadata/pkg/errors"
)

// Backend is txg's view of the MDSL storage engine: append a serialised
// ITB, and fence a closed epoch once every ITB in it has been durably
// written. internal/storage.Storage satisfies this directly.
type Backend interface {
	Flush(uuid, itbid uint64, data []byte) (int64, error)
	WriteTxgEnd(uuid, txg uint64) error
}

// RingLookup resolves which site currently owns (puuid, itbid) per the
// consistent hash ring, letting Manager detect an ausplit migration when a
// bucket split hands it ITBs that moved MDS (§4.5).
type RingLookup interface {
	Owner(puuid, itbid uint64) (site uint64, foreign bool)
}

// AusplitSender hands off ITBs a split moved to a foreign site. The real
// implementation (wired by internal/node) serialises and sends
// CmdMDS2MDSAusplit over internal/transport; it is expected to be
// fire-and-forget from Manager's point of view (§4.5 "No reply is required
// beyond an ACK").
type AusplitSender interface {
	SendAusplit(site, puuid uint64, itbs [][]byte) error
}

// Config configures a Manager.
type Config struct {
	Table    *cbht.Table
	Store    Backend
	Ring     RingLookup
	Ausplit  AusplitSender
	Bitmap   BitmapGrewSink
	Interval time.Duration
	Logger   *zap.SugaredLogger
}

// BitmapGrewSink is notified when a fresh ITB is created, the moment a
// directory's existence bitmap grows (§4.5 aubitmap).
type BitmapGrewSink interface {
	BitmapGrew(puuid, itbid uint64)
}

// Manager is the TXG commit path: the currently open epoch, any number of
// still-flushing closed epochs, and the rotation timer driving them.
type Manager struct {
	table   *cbht.Table
	store   Backend
	ring    RingLookup
	ausplit AusplitSender
	bitmap  BitmapGrewSink
	log     *zap.SugaredLogger

	interval time.Duration

	mu      sync.Mutex
	current *epoch
	epochs  map[uint64]*epoch
}

// New builds a Manager with epoch 1 already open.
func New(cfg Config) (*Manager, error) {
	if cfg.Table == nil || cfg.Store == nil {
		return nil, errors.NewTxgError(nil, errors.KindArg, "txg manager requires a table and a store")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	first := newEpoch(1)
	m := &Manager{
		table:    cfg.Table,
		store:    cfg.Store,
		ring:     cfg.Ring,
		ausplit:  cfg.Ausplit,
		bitmap:   cfg.Bitmap,
		log:      cfg.Logger,
		interval: cfg.Interval,
		current:  first,
		epochs:   map[uint64]*epoch{1: first},
	}
	return m, nil
}

// GetOpenTxg returns the current write epoch's number under a short lock
// (§4.5 "get_open_txg() returns the current write epoch under a short lock").
func (m *Manager) GetOpenTxg() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.num
}

func (m *Manager) epochFor(txg uint64) *epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.epochs[txg]; ok {
		return e
	}
	e := newEpoch(txg)
	m.epochs[txg] = e
	return e
}

// TxgAddITB pins itb into txg's dirty list, COW-forking it first if it is
// still pinned to a different, not-yet-flushed epoch (§4.5: "An ITB may
// appear in at most one TXG at a time: if a second mutation arrives in a
// later epoch the ITB is COW-forked"). Returns the ITB the caller must
// mutate from here on: itb itself, or its fork.
func (m *Manager) TxgAddITB(txg uint64, itb *cbht.ITB) (*cbht.ITB, error) {
	if itb.MarkDirty(txg) {
		m.epochFor(txg).add(itb)
		return itb, nil
	}

	fork := itb.Clone()
	fork.MarkDirty(txg)
	if err := m.table.Replace(itb, fork); err != nil {
		return nil, err
	}
	m.epochFor(txg).add(fork)
	return fork, nil
}

// TxgPut releases one reference taken by TxgAddITB, letting rotation know
// the mutating caller that registered itb has finished with it.
func (m *Manager) TxgPut(txg uint64, itb *cbht.ITB) {
	m.epochFor(txg).put(itb)
}

// BitmapGrew implements cbht.Notifier's BitmapGrew: forwarded straight to
// the injected sink (internal/dh.Manager.QueueDelta, wired by
// internal/node), since growing the bitmap is not itself a TXG-dirtying
// mutation.
func (m *Manager) BitmapGrew(puuid, itbid uint64) {
	if m.bitmap != nil {
		m.bitmap.BitmapGrew(puuid, itbid)
	}
}

// Owner implements cbht.Notifier's Owner by delegating to the injected
// ring lookup.
func (m *Manager) Owner(puuid, itbid uint64) (uint64, bool) {
	if m.ring == nil {
		return 0, false
	}
	return m.ring.Owner(puuid, itbid)
}

// NotifyForeignITBs implements cbht.Notifier: pre-dirties the migrated
// ITBs into the current epoch (so a crash before they reach the
// destination's own MDSL still recovers them via this site's TXG) and
// hands them to the ausplit sender (§4.5 ausplit).
func (m *Manager) NotifyForeignITBs(site, puuid uint64, itbs []*cbht.ITB) {
	if m.ausplit == nil {
		return
	}
	txg := m.GetOpenTxg()
	payloads := make([][]byte, 0, len(itbs))
	for _, itb := range itbs {
		itb.MarkDirty(txg)
		m.epochFor(txg).add(itb)
		payloads = append(payloads, itb.Encode())
	}
	if err := m.ausplit.SendAusplit(site, puuid, payloads); err != nil {
		m.log.Errorw("ausplit send failed", "site", site, "puuid", puuid, "count", len(itbs), "error", err)
	}
}

// ApplyAusplit is the receiving side of ausplit (§4.5): decode each
// migrated ITB, insert it into this site's own CBHT, and pre-dirty it into
// the current epoch. A duplicate arrival (already present) is dropped with
// a warning rather than treated as an error, since a retried notification
// must be safe to replay.
func (m *Manager) ApplyAusplit(puuid uint64, payloads [][]byte) error {
	txg := m.GetOpenTxg()
	for _, buf := range payloads {
		itb, err := cbht.DecodeITB(buf)
		if err != nil {
			return err
		}
		if err := m.table.Insert(itb); err != nil {
			if errors.KindOf(err) == errors.KindExists {
				m.log.Warnw("dropping duplicate ausplit arrival", "puuid", puuid, "itbid", itb.ITBID)
				continue
			}
			return err
		}
		itb.MarkDirty(txg)
		m.epochFor(txg).add(itb)
	}
	return nil
}
