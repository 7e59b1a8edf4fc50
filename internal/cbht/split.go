package cbht

// split implements §4.4 "Split": allocate a depth+1 sibling, rehash each
// bucket-entry's chain by the newly significant hash bit, grow the
// directory if it can't yet address the new depth, and repoint every
// affected slot. A bucket still overflowed after one split is left for the
// caller's retry loop to split again — see maxBusyRetries' doc comment.
func (t *Table) split(b *Bucket) error {
	t.dir.mu.Lock()
	defer t.dir.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Another splitter may have already handled this bucket while this
	// caller waited for the directory+bucket locks; the overflow
	// condition may have raced away (§4.4 "re-check the overflow
	// condition").
	if int(b.active) < 2<<t.opts.BucketDepth {
		return nil
	}

	oldDepth := b.depth
	siblingID := b.id | (1 << oldDepth)
	nb := newBucket(siblingID, oldDepth+1, t.opts.BucketDepth)
	b.depth = oldDepth + 1

	for i, e := range b.entries {
		e.drainTo(nb.entries[i], func(itb *ITB) bool {
			return (itb.Hash>>t.opts.BucketDepth)&(1<<oldDepth) == 0
		})
	}

	moved := int32(0)
	for _, e := range nb.entries {
		moved += int32(e.count())
	}
	b.active -= moved
	nb.active = moved

	if t.dir.depth < nb.depth {
		t.dir.grow()
	}

	mask := uint64(1)<<nb.depth - 1
	for slot := 0; slot < t.dir.size(); slot++ {
		if uint64(slot)&mask == siblingID&mask {
			t.dir.set(slot, nb)
		}
	}

	if t.notifier != nil {
		t.notifyForeign(nb)
	}
	return nil
}

// notifyForeign scans the freshly split-off bucket for ITBs whose ring
// owner is a different site, unlinks them, and hands them to the notifier
// grouped by destination — the ausplit path of §4.5. nb.mu is not taken:
// split still holds the directory write lock, so no other goroutine can
// reach nb through the slots split just repointed; each bucket-entry's own
// lock is taken while its chain is rewritten.
func (t *Table) notifyForeign(nb *Bucket) {
	bySite := make(map[uint64][]*ITB)

	for _, e := range nb.entries {
		e.mu.Lock()
		var keep *ITB
		for cur := e.head; cur != nil; {
			next := cur.next
			site, foreign := t.notifier.Owner(cur.Puuid, cur.ITBID)
			if foreign {
				cur.next = nil
				cur.be = nil
				bySite[site] = append(bySite[site], cur)
				nb.active--
			} else {
				cur.next = keep
				keep = cur
			}
			cur = next
		}
		e.head = keep
		e.mu.Unlock()
	}

	for site, itbs := range bySite {
		puuid := itbs[0].Puuid
		t.notifier.NotifyForeignITBs(site, puuid, itbs)
	}
}
