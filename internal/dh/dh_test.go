package dh

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hvfs/metadata/pkg/errors"
)

type fakeBackend struct {
	mu      sync.Mutex
	gdt     map[uint64]DHE
	sdt     map[string]uint64
	slices  map[uint64]map[int][]byte
	sizes   map[uint64]int
	loads   atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gdt:    make(map[uint64]DHE),
		sdt:    make(map[string]uint64),
		slices: make(map[uint64]map[int][]byte),
		sizes:  make(map[uint64]int),
	}
}

func (f *fakeBackend) LookupSDT(puuid uint64, name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uuid, ok := f.sdt[name]
	if !ok {
		return 0, errors.New(errors.KindNoEntry, "dh", "no such name")
	}
	return uuid, nil
}

func (f *fakeBackend) LookupGDT(uuid uint64) (DHE, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.gdt[uuid]
	if !ok {
		return DHE{}, errors.New(errors.KindNoEntry, "dh", "no such directory")
	}
	return d, nil
}

func (f *fakeBackend) BCLocation(uuid uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[uuid], nil
}

func (f *fakeBackend) LoadBitmapSlice(uuid uint64, k int) ([]byte, error) {
	f.loads.Add(1)
	time.Sleep(time.Millisecond) // widen the race window for dedup tests
	f.mu.Lock()
	defer f.mu.Unlock()
	perDir, ok := f.slices[uuid]
	if !ok {
		return nil, errors.New(errors.KindNoEntry, "dh", "no such slice")
	}
	return perDir[k], nil
}

func TestDHSearchCachesAndLoads(t *testing.T) {
	fb := newFakeBackend()
	fb.gdt[7] = DHE{UUID: 7, Salt: 99, RingGroup: 1}

	m, err := New(Config{Backend: fb, SliceBytes: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, err := m.DHSearch(7)
	if err != nil {
		t.Fatalf("DHSearch: %v", err)
	}
	if d.Salt != 99 {
		t.Fatalf("salt = %d, want 99", d.Salt)
	}

	// Second call must be served from cache: mutate the backend and
	// confirm the cached value doesn't change.
	fb.mu.Lock()
	fb.gdt[7] = DHE{UUID: 7, Salt: 1}
	fb.mu.Unlock()

	d2, err := m.DHSearch(7)
	if err != nil {
		t.Fatalf("DHSearch (cached): %v", err)
	}
	if d2.Salt != 99 {
		t.Fatalf("cached salt = %d, want 99 (cache should not re-fetch)", d2.Salt)
	}
}

func TestBCGetSynthesisesSliceZeroForNewDirectory(t *testing.T) {
	fb := newFakeBackend()
	m, err := New(Config{Backend: fb, SliceBytes: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := m.BCGet(1, 0)
	if err != nil {
		t.Fatalf("BCGet: %v", err)
	}
	for _, b := range s.Data {
		if b != 0xff {
			t.Fatal("slice 0 of a brand-new directory should synthesise as all-set")
		}
	}
}

func TestBCGetDedupsConcurrentMisses(t *testing.T) {
	fb := newFakeBackend()
	fb.sizes[5] = 1
	fb.slices[5] = map[int][]byte{0: make([]byte, 16)}

	m, err := New(Config{Backend: fb, SliceBytes: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.BCGet(5, 0); err != nil {
				t.Errorf("BCGet: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := fb.loads.Load(); n != 1 {
		t.Fatalf("expected exactly one backend load, got %d", n)
	}
}

func TestBCGetEndFlagAtBoundary(t *testing.T) {
	fb := newFakeBackend()
	fb.sizes[3] = 2
	fb.slices[3] = map[int][]byte{0: make([]byte, 8), 1: make([]byte, 8)}

	m, err := New(Config{Backend: fb, SliceBytes: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	last, err := m.BCGet(3, 8)
	if err != nil {
		t.Fatalf("BCGet: %v", err)
	}
	if !last.End {
		t.Fatal("expected End on the last slice")
	}
}

func TestQueueDeltaSetsLocalBitAndForwards(t *testing.T) {
	fb := newFakeBackend()
	fb.sizes[2] = 1
	fb.slices[2] = map[int][]byte{0: make([]byte, 16)}

	var forwarded atomic.Int32
	m, err := New(Config{
		Backend:    fb,
		SliceBytes: 16,
		Forward: func(d Delta) error {
			forwarded.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(stop)
		close(done)
	}()

	m.QueueDelta(Delta{UUID: 2, ITBID: 10})

	s, err := m.BCGet(2, 0)
	if err != nil {
		t.Fatalf("BCGet: %v", err)
	}
	if s.Data[10/8]&(1<<(10%8)) == 0 {
		t.Fatal("expected bit 10 to be set after QueueDelta")
	}

	close(stop)
	<-done

	if forwarded.Load() != 1 {
		t.Fatalf("forwarded = %d, want 1", forwarded.Load())
	}
}
