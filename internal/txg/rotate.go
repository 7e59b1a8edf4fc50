package txg

import "time"

// Run drives the epoch rotation timer until stop is closed (§4.5 "A timer
// rotates epochs: close current, open next, then flush the closed epoch
// asynchronously"). Call it once from the owning node's startup goroutine
// group; it performs one final rotate-and-flush before returning, so
// whatever was open at shutdown still gets written and fenced.
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.rotate()
		case <-stop:
			m.rotate()
			return
		}
	}
}

// rotate closes the current epoch, opens the next, and flushes the closed
// one in the background.
func (m *Manager) rotate() {
	m.mu.Lock()
	closed := m.current
	next := newEpoch(closed.num + 1)
	m.current = next
	m.epochs[next.num] = next
	m.mu.Unlock()

	go m.flush(closed)
}

// flush walks a closed epoch's dirty list, serialises and appends each ITB
// to MDSL, marks it clean, and finally emits TXG_END so recovery can
// truncate anything that didn't make it (§4.5 flush pseudocode). An ITB
// whose append fails is not marked clean (it stays WBED) and is simply not
// included in the TXG_END fence — it is picked up again by whichever later
// epoch next mutates it, or reconciled by recovery on restart.
func (m *Manager) flush(e *epoch) {
	itbs := e.snapshot()

	fencedUUIDs := make(map[uint64]struct{})
	for _, itb := range itbs {
		itb.MarkWritingBack()
		data := itb.Encode()
		if _, err := m.store.Flush(itb.Puuid, itb.ITBID, data); err != nil {
			m.log.Errorw("txg flush failed, leaving itb dirty for a later epoch",
				"txg", e.num, "puuid", itb.Puuid, "itbid", itb.ITBID, "error", err)
			continue
		}
		itb.MarkClean()
		fencedUUIDs[itb.Puuid] = struct{}{}
	}

	for uuid := range fencedUUIDs {
		if err := m.store.WriteTxgEnd(uuid, e.num); err != nil {
			m.log.Errorw("txg_end fence failed, affected txg left for recovery",
				"txg", e.num, "uuid", uuid, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.epochs, e.num)
	m.mu.Unlock()
}
