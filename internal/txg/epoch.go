package txg

import (
	"sync"

	"github.com/hvfs/metadata/internal/cbht"
)

// epoch is one TXG: a numbered, set-semantics dirty list plus the refcount
// of mutating callers still registered against it (§4.5 "a TXG is an opaque
// numbered epoch ... txg_put(txg) decrements the epoch's refcount").
type epoch struct {
	num uint64

	mu       sync.Mutex
	dirty    map[*cbht.ITB]struct{}
	refcount int
}

func newEpoch(num uint64) *epoch {
	return &epoch{num: num, dirty: make(map[*cbht.ITB]struct{})}
}

// add pins itb into the epoch's dirty list. Safe to call more than once for
// the same ITB (set semantics): a second TxgAddITB within the same epoch
// (e.g. two mutations of the same ITB before it flushes) is a no-op beyond
// the refcount.
func (e *epoch) add(itb *cbht.ITB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty[itb] = struct{}{}
	e.refcount++
}

// put releases one reference taken by add. itb is accepted (rather than
// just decrementing a bare counter) so a future refinement could track
// per-ITB outstanding references; today it is a straight decrement.
func (e *epoch) put(_ *cbht.ITB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refcount > 0 {
		e.refcount--
	}
}

// snapshot returns every ITB currently pinned to the epoch, for flush.
func (e *epoch) snapshot() []*cbht.ITB {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*cbht.ITB, 0, len(e.dirty))
	for itb := range e.dirty {
		out = append(out, itb)
	}
	return out
}
