// Package dh implements the DH + bitmap cache subsystem (C3): a bounded
// cache of per-directory hash entries (DHEs) holding salt and ring
// placement, plus a lazily materialised ITB-existence bitmap per directory
// loaded from MDSL on first touch (§3, §4.3).
package dh

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hvfs/metadata/pkg/errors"
)

// DHE is a directory hash entry: uuid -> {salt, ring placement}, per §3
// "Directory hash entry (DHE)".
type DHE struct {
	UUID      uint64
	Puuid     uint64
	Salt      uint64
	RingGroup uint32
	GDTBitmap bool // true for directories whose bitmap is authoritatively owned by R2 (gdt-scoped)

	pins atomic.Int32
}

// Pin marks d as referenced by an in-flight ITB, excluding it from LRU
// eviction until every pin is released.
func (d *DHE) Pin() { d.pins.Add(1) }

// Unpin releases one pin taken by Pin.
func (d *DHE) Unpin() { d.pins.Add(-1) }

func (d *DHE) pinned() bool { return d.pins.Load() > 0 }

// Backend abstracts the lookups dh_search and bc_backend_load perform
// against other subsystems: the two-hop SDT/GDT stat path for a cache miss,
// and MDSL's bitmap/range index for bitmap slice loads. internal/node wires
// the real internal/storage + internal/cbht implementations; tests supply a
// fake.
type Backend interface {
	// LookupSDT resolves a directory's uuid by name within its parent,
	// the first of dh_search's two stat hops for a non-root directory.
	LookupSDT(puuid uint64, name string) (uuid uint64, err error)
	// LookupGDT resolves a directory's DHE (salt, ring group) by uuid,
	// the second stat hop.
	LookupGDT(uuid uint64) (DHE, error)
	// BCLocation implements bc_dir_lookup: resolves where a directory's
	// bitmap lives and how large it currently is, in slices.
	BCLocation(uuid uint64) (sliceCount int, err error)
	// LoadBitmapSlice implements bc_backend_load.
	LoadBitmapSlice(uuid uint64, k int) ([]byte, error)
}

// Manager is the DH: a bounded cache of DHEs plus each directory's bitmap
// cache, with singleflight-deduplicated bitmap loads and an async bc_delta
// queue forwarding bitmap flips to R2.
type Manager struct {
	backend    Backend
	sliceBytes int

	cache *lru.Cache[uint64, *DHE]
	bc    *bitmapCache

	deltas *deltaQueue
}

// Config configures a Manager.
type Config struct {
	Backend Backend
	// CacheSize bounds the number of resident, unpinned DHEs.
	CacheSize int
	// SliceBytes is the fixed size of one bitmap slice (XTABLE_BITMAP_BYTES).
	SliceBytes int
	// Forward sends an aubitmap notification for one queued delta. A
	// failure drops the delta without retry, per §7's propagation policy
	// for notification commands; the error is not logged here.
	Forward func(Delta) error
}

// New builds a Manager. Evicted-but-pinned DHEs are kept resident by being
// re-added on eviction, so a pinned entry is never actually lost — it is
// simply excluded from the size accounting the LRU otherwise enforces.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.NewDHError(nil, errors.KindArg, "dh manager requires a backend")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.SliceBytes <= 0 {
		cfg.SliceBytes = 128 * 1024
	}

	m := &Manager{backend: cfg.Backend, sliceBytes: cfg.SliceBytes}

	cache, err := lru.NewWithEvict(cfg.CacheSize, func(uuid uint64, d *DHE) {
		if d.pinned() {
			m.cache.Add(uuid, d)
		}
	})
	if err != nil {
		return nil, errors.NewDHError(err, errors.KindInternal, "build dh lru cache")
	}
	m.cache = cache
	m.bc = newBitmapCache(cfg.Backend, cfg.SliceBytes)
	m.deltas = newDeltaQueue(cfg.Forward)
	return m, nil
}

// DHSearch returns directory uuid's DHE, loading it from the backend on a
// cache miss (dh_search, §4.3).
func (m *Manager) DHSearch(uuid uint64) (*DHE, error) {
	if d, ok := m.cache.Get(uuid); ok {
		return d, nil
	}
	dhe, err := m.backend.LookupGDT(uuid)
	if err != nil {
		return nil, err
	}
	d := &dhe
	m.cache.Add(uuid, d)
	return d, nil
}

// DHSearchByName performs the two-hop lookup a non-root directory needs:
// SDT by name within puuid yields the uuid, then DHSearch resolves the DHE.
func (m *Manager) DHSearchByName(puuid uint64, name string) (*DHE, error) {
	uuid, err := m.backend.LookupSDT(puuid, name)
	if err != nil {
		return nil, err
	}
	return m.DHSearch(uuid)
}

// Evict drops uuid's cached DHE, used when a directory is deleted.
func (m *Manager) Evict(uuid uint64) {
	m.cache.Remove(uuid)
	m.bc.drop(uuid)
}

// BCGet implements bc_get (§4.3): returns the bitmap slice covering offset
// for directory uuid, loading it from MDSL on miss.
func (m *Manager) BCGet(uuid uint64, offset int) (Slice, error) {
	return m.bc.get(uuid, offset)
}

// QueueDelta enqueues a bitmap flip for asynchronous local merge and
// forwarding to R2 (bc_delta queue, §4.3).
func (m *Manager) QueueDelta(d Delta) {
	m.bc.applyLocal(d)
	m.deltas.enqueue(d)
}

// Run drains the bc_delta queue until stop is closed or Close is called.
// Call it once from the owning node's startup goroutine group.
func (m *Manager) Run(stop <-chan struct{}) {
	m.deltas.run(stop)
}

// Close signals the drain loop, if Run is active, to forward what is still
// buffered and exit; it does not wait for that, and QueueDelta still
// accepts deltas afterwards. Safe to call without Run having been started.
func (m *Manager) Close() {
	m.deltas.close()
}
