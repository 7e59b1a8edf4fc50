package storage

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hvfs/metadata/pkg/errors"
)

// FDType names which of the four MDSL file kinds a descriptor refers to
// (§3 "MDSL files" / §4.2 "Descriptor hash").
type FDType uint8

const (
	FDMd FDType = iota
	FDItb
	FDRange
	FDBitmap
)

func (t FDType) String() string {
	switch t {
	case FDMd:
		return "md"
	case FDItb:
		return "itb"
	case FDRange:
		return "range"
	case FDBitmap:
		return "bitmap"
	default:
		return "unknown"
	}
}

// fdState is the descriptor lifecycle flag: FREE, OPEN, ABUF, MDISK,
// BITMAP. A descriptor starts FREE, is set to OPEN by reopen once its
// backing file is open, and returns to FREE on close; the ABUF, MDISK and
// BITMAP states are never assigned.
type fdState int32

const (
	fdFree fdState = iota
	fdOpen
	fdAbuf
	fdMdisk
	fdBitmap
)

// fdKey identifies one MDSL file: (uuid, type, arg), per §3.
type fdKey struct {
	UUID uint64
	Type FDType
	Arg  uint64
}

// fdEntry is one descriptor-hash entry: a ref-counted, lock-protected file
// handle that may be poisoned after an Io/Corrupt failure (§4.1
// "Propagation policy": poisoned descriptors try recovery on next open).
type fdEntry struct {
	key   fdKey
	state atomic.Int32 // fdState

	mu       sync.Mutex // per-fd lock, lock-hierarchy level 5 (§5)
	file     *os.File
	refs     atomic.Int32
	poisoned atomic.Bool

	lastRecoveryAttempt atomic.Int64 // unix nanos, to bound reopen storms
}

func newFDEntry(key fdKey) *fdEntry {
	e := &fdEntry{key: key}
	e.state.Store(int32(fdFree))
	return e
}

func (e *fdEntry) acquire() { e.refs.Add(1) }

func (e *fdEntry) release() int32 { return e.refs.Add(-1) }

func (e *fdEntry) markPoisoned() { e.poisoned.Store(true) }

func (e *fdEntry) isPoisoned() bool { return e.poisoned.Load() }

func (e *fdEntry) clearPoison() { e.poisoned.Store(false) }

// currentFile returns the live handle, synchronised against a concurrent
// reopen.
func (e *fdEntry) currentFile() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file
}

// reopen closes the current handle, if any, and opens path fresh, clearing
// poison on success.
func (e *fdEntry) reopen(path string, flag int, perm os.FileMode) (*os.File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		e.file.Close()
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "reopen fd").WithDetail("path", path)
	}
	e.file = f
	e.state.Store(int32(fdOpen))
	e.poisoned.Store(false)
	return f, nil
}

// attemptRecovery reopens a poisoned descriptor, refusing to retry more than
// once per backoff window so a burst of concurrent Io errors on the same
// descriptor triggers a single reopen rather than a storm of them.
func (e *fdEntry) attemptRecovery(path string, flag int, perm os.FileMode, backoff time.Duration) (*os.File, error) {
	now := time.Now().UnixNano()
	if last := e.lastRecoveryAttempt.Load(); last != 0 && time.Duration(now-last) < backoff {
		return nil, errors.NewStorageError(nil, errors.KindIO, "fd recovery backoff in effect").WithDetail("path", path)
	}
	e.lastRecoveryAttempt.Store(now)
	return e.reopen(path, flag, perm)
}

func (e *fdEntry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	e.state.Store(int32(fdFree))
	return err
}
