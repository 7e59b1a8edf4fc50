package txg

import (
	"sync"
	"testing"
	"time"

	"github.com/hvfs/metadata/internal/cbht"
)

type fakeStore struct {
	mu       sync.Mutex
	flushed  []flushedCall
	fenced   []fencedCall
	flushErr error
}

type flushedCall struct{ uuid, itbid uint64 }
type fencedCall struct{ uuid, txg uint64 }

func (f *fakeStore) Flush(uuid, itbid uint64, data []byte) (int64, error) {
	if f.flushErr != nil {
		return 0, f.flushErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, flushedCall{uuid, itbid})
	return int64(len(f.flushed)), nil
}

func (f *fakeStore) WriteTxgEnd(uuid, txg uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = append(f.fenced, fencedCall{uuid, txg})
	return nil
}

type fakeAusplit struct {
	mu    sync.Mutex
	sent  []fakeAusplitCall
}

type fakeAusplitCall struct {
	site, puuid uint64
	n           int
}

func (f *fakeAusplit) SendAusplit(site, puuid uint64, itbs [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fakeAusplitCall{site, puuid, len(itbs)})
	return nil
}

type fakeBitmapSink struct {
	mu    sync.Mutex
	grown []uint64
}

func (f *fakeBitmapSink) BitmapGrew(puuid, itbid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grown = append(f.grown, itbid)
}

func newTestManager(t *testing.T, store *fakeStore) (*Manager, *cbht.Table) {
	t.Helper()
	tbl := cbht.NewTable(cbht.Options{BucketDepth: 1, DirDepth: 1}, nil, nil)
	m, err := New(Config{Table: tbl, Store: store, Interval: time.Hour})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, tbl
}

func TestTxgAddITBFlushesOnRotate(t *testing.T) {
	store := &fakeStore{}
	m, tbl := newTestManager(t, store)

	itb := cbht.NewITB(1, 42, 42, 0)
	if err := tbl.Insert(itb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	txg := m.GetOpenTxg()
	if _, err := m.TxgAddITB(txg, itb); err != nil {
		t.Fatalf("add itb: %v", err)
	}

	m.rotate()
	// flush runs in its own goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.flushed)
		store.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.flushed) != 1 || store.flushed[0].uuid != 1 || store.flushed[0].itbid != 42 {
		t.Fatalf("want one flush of (1,42), got %v", store.flushed)
	}
	if len(store.fenced) != 1 || store.fenced[0].uuid != 1 || store.fenced[0].txg != txg {
		t.Fatalf("want txg_end fence for (1, %d), got %v", txg, store.fenced)
	}
	if itb.State() != cbht.StateClean {
		t.Fatalf("want itb clean after flush, got %v", itb.State())
	}
}

func TestTxgAddITBCOWForksAcrossEpochs(t *testing.T) {
	store := &fakeStore{}
	m, tbl := newTestManager(t, store)

	itb := cbht.NewITB(1, 7, 7, 0)
	if err := tbl.Insert(itb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.TxgAddITB(1, itb); err != nil {
		t.Fatalf("add itb txg1: %v", err)
	}

	forked, err := m.TxgAddITB(2, itb)
	if err != nil {
		t.Fatalf("add itb txg2: %v", err)
	}
	if forked == itb {
		t.Fatalf("want a COW-forked itb, got the same pointer")
	}
	if forked.TXG() != 2 {
		t.Fatalf("fork should be pinned to txg 2, got %d", forked.TXG())
	}

	got, err := tbl.Search(1, 7, 0)
	if err != nil {
		t.Fatalf("search after fork: %v", err)
	}
	if got != forked {
		t.Fatalf("table should resolve to the forked itb after Replace")
	}
}

func TestNotifyForeignITBsSendsAndPinsCurrentEpoch(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestManager(t, store)
	sender := &fakeAusplit{}
	m.ausplit = sender

	itb1 := cbht.NewITB(9, 1, 1, 0)
	itb2 := cbht.NewITB(9, 2, 2, 0)
	m.NotifyForeignITBs(5, 9, []*cbht.ITB{itb1, itb2})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].site != 5 || sender.sent[0].puuid != 9 || sender.sent[0].n != 2 {
		t.Fatalf("want one send(site=5,puuid=9,n=2), got %v", sender.sent)
	}
	if itb1.State() != cbht.StateDirty || itb2.State() != cbht.StateDirty {
		t.Fatalf("migrated itbs should be pre-dirtied into the current epoch")
	}
}

func TestApplyAusplitDropsDuplicateDelivery(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestManager(t, store)

	itb := cbht.NewITB(3, 10, 10, 0)
	buf := itb.Encode()

	if err := m.ApplyAusplit(3, [][]byte{buf}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := m.ApplyAusplit(3, [][]byte{buf}); err != nil {
		t.Fatalf("duplicate apply should be dropped, not errored: %v", err)
	}
}

func TestBitmapGrewForwardsToSink(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestManager(t, store)
	sink := &fakeBitmapSink{}
	m.bitmap = sink

	m.BitmapGrew(1, 55)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.grown) != 1 || sink.grown[0] != 55 {
		t.Fatalf("want BitmapGrew forwarded, got %v", sink.grown)
	}
}
