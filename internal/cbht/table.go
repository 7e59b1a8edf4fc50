package cbht

import (
	"github.com/hvfs/metadata/internal/wire"
	"github.com/hvfs/metadata/pkg/errors"
)

// maxBusyRetries bounds how many times Search/Insert/Delete retry a bucket
// TryLock failure (a concurrent splitter) before surfacing KindAgain, per
// §7's "Again is retried locally up to a bounded budget before surfacing".
// It is generous enough to ride out a cascading multi-level split, which
// this package resolves by letting the caller's retry loop re-attempt
// rather than recursing inside split itself.
const maxBusyRetries = 64

// Backend is the MDSL miss path: load a previously flushed ITB's bytes for
// (puuid, itbid) and decode it. internal/node wires the real
// internal/storage-backed implementation; nil disables backing-store
// fallback (every miss is either NoEntry or a fresh create).
type Backend interface {
	LoadITB(puuid, itbid uint64) (*ITB, error)
}

// Options configures a Table.
type Options struct {
	BucketDepth uint
	DirDepth    uint
	Salt        uint64
}

// Table is the CBHT: a segmented directory of buckets, each holding
// bucket-entries that chain ITBs (§3, §4.4).
type Table struct {
	opts     Options
	backend  Backend
	notifier Notifier

	dir *directory
}

// NewTable builds a Table with a single root bucket (depth 0) addressed by
// every directory slot — trivially satisfying invariant 1 (§8) since a
// depth-0 bucket matches every slot index modulo 1.
func NewTable(opts Options, backend Backend, notifier Notifier) *Table {
	if opts.BucketDepth == 0 {
		opts.BucketDepth = 1
	}
	if opts.DirDepth == 0 {
		opts.DirDepth = 1
	}

	t := &Table{opts: opts, backend: backend, notifier: notifier, dir: newDirectory(opts.DirDepth)}
	root := newBucket(0, 0, opts.BucketDepth)
	for slot := 0; slot < t.dir.size(); slot++ {
		t.dir.set(slot, root)
	}
	return t
}

// SetNotifier installs t's split notifier after construction, for the
// common wiring case where the notifier (internal/txg.Manager) itself
// needs a reference to t and so cannot exist before NewTable returns.
func (t *Table) SetNotifier(n Notifier) {
	t.notifier = n
}

// Search implements cbht_search (§4.4): locates the ITB for (puuid, itbid),
// loading it from the backend or creating it fresh on a miss per flags.
//
// A local miss is checked against the ring before falling through to the
// backend/create path: notifyForeign unlinks an ITB from this table the
// moment a split hands it to a foreign owner, leaving nothing behind to
// distinguish "never existed here" from "moved away" except the ring
// itself, so that's what a miss consults. Found-foreign means the ring
// already disagrees with wherever the caller's own view of it came from,
// so the request is routed back rather than silently re-created on the
// wrong site.
func (t *Table) Search(puuid, itbid uint64, flags wire.IndexFlag) (*ITB, error) {
	hash := hashOf(puuid, itbid, t.opts.Salt)

	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		b := t.bucketFor(hash)

		if !b.mu.TryRLock() {
			continue
		}
		entry := b.entryFor(hash, t.opts.BucketDepth)
		itb := entry.find(itbid)
		b.mu.RUnlock()

		if itb != nil {
			return itb, nil
		}
		if t.notifier != nil {
			if site, foreign := t.notifier.Owner(puuid, itbid); foreign {
				return nil, errors.NewCBHTError(nil, errors.KindRingChange, "directory belongs to a different site").
					WithDetail("puuid", puuid).
					WithDetail("itbid", itbid).
					WithDetail("owner", site)
			}
		}
		return t.miss(puuid, itbid, hash, flags)
	}
	return nil, errors.NewCBHTError(nil, errors.KindAgain, "bucket busy, exceeded retry budget")
}

func (t *Table) bucketFor(hash uint64) *Bucket {
	t.dir.mu.RLock()
	defer t.dir.mu.RUnlock()
	return t.dir.get(slotFor(hash, t.opts.BucketDepth, t.dir.depth))
}

// miss implements §4.4 "Miss": try the backend, else create-on-miss if
// INDEX_CREATE (optionally INDEX_SYMLINK) is set, else NoEntry.
func (t *Table) miss(puuid, itbid, hash uint64, flags wire.IndexFlag) (*ITB, error) {
	if t.backend != nil {
		itb, err := t.backend.LoadITB(puuid, itbid)
		switch {
		case err == nil:
			itb.Hash = hash
			if insErr := t.Insert(itb); insErr != nil && errors.KindOf(insErr) != errors.KindExists {
				return nil, insErr
			}
			return itb, nil
		case errors.KindOf(err) != errors.KindNoEntry:
			return nil, err
		}
	}

	if !flags.Has(wire.IndexCreate) {
		return nil, errors.NewCBHTError(nil, errors.KindNoEntry, "itb not found")
	}

	itb := NewITB(puuid, itbid, hash, 0)
	if err := t.Insert(itb); err != nil {
		return nil, err
	}
	if t.notifier != nil {
		t.notifier.BitmapGrew(puuid, itbid)
	}
	return itb, nil
}

// Insert implements §4.4 "Insert": split first if the target bucket is
// already at capacity, then prepend under the bucket-entry write-lock.
func (t *Table) Insert(itb *ITB) error {
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		b := t.bucketFor(itb.Hash)

		if !b.mu.TryLock() {
			continue
		}

		if int(b.active) >= 2<<t.opts.BucketDepth {
			b.mu.Unlock()
			if err := t.split(b); err != nil {
				return err
			}
			continue
		}

		entry := b.entryFor(itb.Hash, t.opts.BucketDepth)
		if !entry.insertIfAbsent(itb) {
			b.mu.Unlock()
			return errors.NewCBHTError(nil, errors.KindExists, "itb already present")
		}
		b.incActive(1)
		b.mu.Unlock()
		return nil
	}
	return errors.NewCBHTError(nil, errors.KindAgain, "bucket busy, exceeded retry budget")
}

// Replace swaps old for a COW-forked nw in place, under old's bucket lock.
// Returns KindAgain if a concurrent split moved old out from under the
// caller; the caller (internal/txg) retries COWIfStale in that case.
func (t *Table) Replace(old, nw *ITB) error {
	b := t.bucketFor(old.Hash)
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry := b.entryFor(old.Hash, t.opts.BucketDepth)
	if !entry.replace(old, nw) {
		return errors.NewCBHTError(nil, errors.KindAgain, "itb moved by a concurrent split")
	}
	return nil
}

// Delete implements cbht_del (§4.4): re-verifies the ITB's back-pointer
// after acquiring locks, retrying if a concurrent split already moved it.
func (t *Table) Delete(puuid, itbid uint64) error {
	hash := hashOf(puuid, itbid, t.opts.Salt)

	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		b := t.bucketFor(hash)

		if !b.mu.TryLock() {
			continue
		}
		if (hash>>t.opts.BucketDepth)&(uint64(1)<<b.depth-1) != b.id {
			// A split between bucketFor and TryLock moved this hash's
			// slice into a sibling bucket: look it up again.
			b.mu.Unlock()
			continue
		}
		entry := b.entryFor(hash, t.opts.BucketDepth)
		itb := entry.find(itbid)
		if itb == nil {
			b.mu.Unlock()
			return errors.NewCBHTError(nil, errors.KindNoEntry, "itb not present")
		}
		if itb.be != entry {
			b.mu.Unlock()
			continue
		}
		entry.remove(itb)
		b.incActive(-1)
		b.mu.Unlock()
		return nil
	}
	return errors.NewCBHTError(nil, errors.KindAgain, "bucket busy, exceeded retry budget")
}
