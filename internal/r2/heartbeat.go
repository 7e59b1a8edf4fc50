package r2

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepOnce walks every known site once, bumping the missed-heartbeat
// counter of each one not in SHUTDOWN (HB resets it to zero, so the count
// is the number of sweeps since the site last checked in) and
// de-registering sites that cross the ERROR threshold from their ring
// group (§4.6 "Heartbeat": missed-heartbeat counter driving
// INIT->NORMAL->TRANSIENT->ERROR). Each site is evaluated concurrently
// since membership transitions are independent of one another.
func (r *Registry) SweepOnce(ctx context.Context) error {
	r.mu.Lock()
	roles := make(map[uint64]sweepTarget, len(r.sites))
	for site, se := range r.sites {
		if se.currentState() == StateShutdown {
			continue
		}
		roles[site] = sweepTarget{entry: se}
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for site, tgt := range roles {
		site, tgt := site, tgt
		g.Go(func() error {
			r.sweepSite(site, tgt.entry)
			return nil
		})
	}
	return g.Wait()
}

type sweepTarget struct {
	entry *siteEntry
}

func (r *Registry) sweepSite(site uint64, se *siteEntry) {
	before := se.currentState()
	after := se.bumpLost(r.hb.LostLimit)
	if before == after {
		return
	}
	r.log.Infow("site heartbeat state transition", "site", site, "from", before, "to", after)
	if after != StateError {
		return
	}
	for _, group := range [...]uint32{GroupMDS, GroupMDSL} {
		_ = r.mdsRing.DynamicDelSite(group, site)
	}
	r.broadcastRingUpdate(GroupMDS)
	r.broadcastRingUpdate(GroupMDSL)
}

// RunSweeper runs SweepOnce every SweepEvery until stop is closed,
// mirroring internal/txg.Manager.Run's externally-driven stop channel.
func (r *Registry) RunSweeper(stop <-chan struct{}) {
	every := r.hb.SweepEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.SweepOnce(context.Background()); err != nil {
				r.log.Errorw("heartbeat sweep failed", "error", err)
			}
		}
	}
}
