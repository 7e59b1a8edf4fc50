// Package cbht implements the concurrent extendible hash table of Index
// Table Buckets (C4): an in-memory index mapping (puuid, itbid) -> ITB, with
// online bucket splits and a growable segmented directory (§3, §4.4).
package cbht

import "sync"

// State is an ITB's lifecycle state (§3 "ITB ... state ∈ {CLEAN, DIRTY,
// WBED, COWED}").
type State int32

const (
	StateClean State = iota
	StateDirty
	StateWbed
	StateCowed
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateWbed:
		return "wbed"
	case StateCowed:
		return "cowed"
	default:
		return "unknown"
	}
}

// ITE is one packed directory entry inside an ITB: a name, the uuid it
// resolves to, an opaque metadata-unit payload, and (for symlinks) a link
// target. POSIX attribute semantics are out of scope (§1 non-goals); MDU is
// carried as an opaque blob the caller supplied.
type ITE struct {
	Name       string
	UUID       uint64
	MDU        []byte
	LinkSource string
	Symlink    bool
}

// ITB is a fixed-capacity container of ITEs for one slice of one directory
// (§3 "ITB (Index Table Bucket)"). Entries are mutated only under the ITB's
// own write-lock; State/TXG transitions require the lock hierarchy's
// level-4 lock to be held (§5).
type ITB struct {
	mu sync.RWMutex

	Puuid uint64
	ITBID uint64
	Hash  uint64
	Depth uint // local depth at creation time, tracks the owning bucket's

	txg   uint64
	state State

	entries map[string]*ITE // keyed by name; Delete removes the key outright

	// be is the back-pointer to the bucket-entry chain this ITB is linked
	// into; next chains ITBs within that bucket-entry (§3 "bucket-entry is
	// a singly-chained set of ITB headers").
	be   *BucketEntry
	next *ITB
}

// NewITB allocates an empty ITB for (puuid, itbid).
func NewITB(puuid, itbid, hash uint64, depth uint) *ITB {
	return &ITB{
		Puuid:   puuid,
		ITBID:   itbid,
		Hash:    hash,
		Depth:   depth,
		entries: make(map[string]*ITE),
	}
}

// State returns the ITB's lifecycle state under its read lock.
func (i *ITB) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// TXG returns the TXG epoch this ITB is currently pinned to, or 0 if clean.
func (i *ITB) TXG() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.txg
}

// MarkDirty transitions a clean ITB into the given TXG epoch's dirty list.
// Returns false if the ITB is already pinned to a different, still-open
// epoch — the caller (txg) must COW-fork in that case (§4.5).
func (i *ITB) MarkDirty(txg uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDirty && i.txg != txg {
		return false
	}
	i.state = StateDirty
	i.txg = txg
	return true
}

// MarkWritingBack transitions a dirty ITB to WBED once its flush to MDSL
// has been handed off.
func (i *ITB) MarkWritingBack() {
	i.mu.Lock()
	i.state = StateWbed
	i.mu.Unlock()
}

// MarkClean transitions a flushed ITB back to CLEAN, eligible for eviction.
func (i *ITB) MarkClean() {
	i.mu.Lock()
	i.state = StateClean
	i.txg = 0
	i.mu.Unlock()
}

// Search returns entry name's ITE, if present.
func (i *ITB) Search(name string) (*ITE, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[name]
	return e, ok
}

// Readdir returns every live entry, for INDEX_BY_ITB | READDIR requests.
func (i *ITB) Readdir() []*ITE {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*ITE, 0, len(i.entries))
	for _, e := range i.entries {
		out = append(out, e)
	}
	return out
}

// Insert adds or replaces entry name. It does not change the ITB's state or
// TXG; dirtying is the caller's job (MarkDirty). Returns KindExists-eligible information via the bool: false if name was
// already present (caller may choose to treat that as idempotent success).
func (i *ITB) Insert(e *ITE) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, existed := i.entries[e.Name]
	i.entries[e.Name] = e
	return !existed
}

// Delete removes entry name. Returns false if it wasn't present.
func (i *ITB) Delete(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[name]; !ok {
		return false
	}
	delete(i.entries, name)
	return true
}

// Len reports the live entry count.
func (i *ITB) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Clone returns a deep-enough copy of i for COW-fork: a fresh ITB with the
// same entries map contents (entries themselves are treated as immutable
// once inserted, so a shallow copy of the map is sufficient — §4.5 "an ITB
// may appear in at most one TXG at a time ... the ITB is COW-forked").
// internal/txg calls this when a later epoch's mutation arrives while the
// ITB is still pinned to an earlier, not-yet-flushed epoch.
func (i *ITB) Clone() *ITB {
	i.mu.RLock()
	defer i.mu.RUnlock()
	cp := &ITB{
		Puuid:   i.Puuid,
		ITBID:   i.ITBID,
		Hash:    i.Hash,
		Depth:   i.Depth,
		state:   StateDirty,
		entries: make(map[string]*ITE, len(i.entries)),
	}
	for k, v := range i.entries {
		cp.entries[k] = v
	}
	return cp
}
