package cbht

import "sync"

// BucketEntry is a singly-chained set of ITB headers (§3): the unit a
// searcher read-locks to scan for a (puuid, itbid) match, and a mutator
// write-locks to prepend a new ITB.
type BucketEntry struct {
	mu   sync.RWMutex
	head *ITB
}

// find scans the chain for an ITB with the given itbid, under a read lock.
func (e *BucketEntry) find(itbid uint64) *ITB {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for itb := e.head; itb != nil; itb = itb.next {
		if itb.ITBID == itbid {
			return itb
		}
	}
	return nil
}

// insertIfAbsent prepends itb unless one with the same ITBID is already
// linked, atomically under one write lock (cbht_insert's duplicate guard:
// a repeated ausplit delivery, or a backend-load race, is idempotent).
func (e *BucketEntry) insertIfAbsent(itb *ITB) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cur := e.head; cur != nil; cur = cur.next {
		if cur.ITBID == itb.ITBID {
			return false
		}
	}
	itb.be = e
	itb.next = e.head
	e.head = itb
	return true
}

// remove unlinks itb from the chain if it is still present, re-verifying
// itb.be == e first — cbht_del's guard against a concurrent split having
// already moved it (§4.4 "Deletion of an ITB from CBHT").
func (e *BucketEntry) remove(itb *ITB) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if itb.be != e {
		return false
	}
	if e.head == itb {
		e.head = itb.next
		itb.next, itb.be = nil, nil
		return true
	}
	for cur := e.head; cur != nil; cur = cur.next {
		if cur.next == itb {
			cur.next = itb.next
			itb.next, itb.be = nil, nil
			return true
		}
	}
	return false
}

// drainTo moves every ITB that keep rejects into dst, leaving the ones keep
// accepts in e. Used by split to rehash a bucket-entry's chain
// between the old bucket and its new sibling.
func (e *BucketEntry) drainTo(dst *BucketEntry, keep func(*ITB) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var keepHead, moveHead *ITB
	for cur := e.head; cur != nil; {
		next := cur.next
		if keep(cur) {
			cur.next = keepHead
			keepHead = cur
		} else {
			cur.be = dst
			cur.next = moveHead
			moveHead = cur
		}
		cur = next
	}
	e.head = keepHead

	dst.mu.Lock()
	for cur := moveHead; cur != nil; {
		next := cur.next
		cur.next = dst.head
		dst.head = cur
		cur = next
	}
	dst.mu.Unlock()
}

// replace swaps old for new in the chain, re-verifying old.be == e first
// (same guard as remove). Used by internal/txg to install a COW-forked ITB
// in place of the one still pinned to an earlier, in-flight flush.
func (e *BucketEntry) replace(old, nw *ITB) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old.be != e {
		return false
	}
	nw.be = e
	if e.head == old {
		nw.next = old.next
		e.head = nw
	} else {
		found := false
		for cur := e.head; cur != nil; cur = cur.next {
			if cur.next == old {
				nw.next = old.next
				cur.next = nw
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	old.next, old.be = nil, nil
	return true
}

func (e *BucketEntry) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for cur := e.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// Bucket is one extendible-hash bucket: a local depth, an active-ITB
// counter, and 2^bucketDepth bucket-entry slots (§3 "CBHT directory and
// buckets").
type Bucket struct {
	id     uint64
	depth  uint
	active int32 // protected by mu; not atomic since every mutator already holds mu for the split check

	mu      sync.RWMutex // level-2 lock of §5's hierarchy; write-locked only by a splitter
	entries []*BucketEntry
}

func newBucket(id uint64, depth uint, bucketDepth uint) *Bucket {
	b := &Bucket{id: id, depth: depth, entries: make([]*BucketEntry, 1<<bucketDepth)}
	for i := range b.entries {
		b.entries[i] = &BucketEntry{}
	}
	return b
}

func (b *Bucket) entryFor(hash uint64, bucketDepth uint) *BucketEntry {
	mask := uint64(1)<<bucketDepth - 1
	return b.entries[hash&mask]
}

func (b *Bucket) incActive(delta int32) int32 {
	b.active += delta
	return b.active
}
