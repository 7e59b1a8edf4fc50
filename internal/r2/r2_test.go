package r2

import (
	"context"
	"os"
	"testing"

	"github.com/hvfs/metadata/internal/ring"
	"github.com/hvfs/metadata/pkg/errors"
	"github.com/hvfs/metadata/pkg/options"
	"github.com/hvfs/metadata/pkg/siteid"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	hb := options.HeartbeatOptions{LostLimit: 3}
	return New(t.TempDir(), hb, nil)
}

func TestRegAllocatesSiteIDWhenUnassigned(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}
	if reply.SiteID == 0 {
		t.Fatalf("want a non-zero allocated site id")
	}
	id := siteid.ID(reply.SiteID)
	if id.Role() != siteid.RoleMDS {
		t.Fatalf("want role MDS, got %v", id.Role())
	}

	found := false
	for _, p := range reply.MDSRing {
		if p.Site == reply.SiteID {
			found = true
		}
	}
	if !found {
		t.Fatalf("registering site should join the MDS ring")
	}
}

func TestRegIsStableAcrossReReg(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("first reg: %v", err)
	}

	second, err := r.Reg(siteid.RoleMDS, siteid.ID(first.SiteID), 1, "salt")
	if err != nil {
		t.Fatalf("second reg: %v", err)
	}
	if second.SiteID != first.SiteID {
		t.Fatalf("re-registering with an explicit site-id should not reassign one")
	}
}

func TestRegAfterRestartSignalsRecoverAndRestoresHxi(t *testing.T) {
	dataDir := t.TempDir()
	hb := options.HeartbeatOptions{LostLimit: 3}

	r1 := New(dataDir, hb, nil)
	first, err := r1.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("first reg: %v", err)
	}

	// Simulate an R2 process restart: a fresh Registry over the same
	// data directory, with the site still marked active (no Unreg ran)
	// in the checkpoint left on disk.
	r2inst := New(dataDir, hb, nil)
	second, err := r2inst.Reg(siteid.RoleMDS, siteid.ID(first.SiteID), 1, "salt")
	if errors.KindOf(err) != errors.KindRecover {
		t.Fatalf("want KindRecover for a site re-registering after an unclean shutdown, got %v", err)
	}
	if second.Hxi != first.Hxi {
		t.Fatalf("re-registering after restart should restore the persisted hxi, got %+v want %+v", second.Hxi, first.Hxi)
	}
}

func TestRegAfterCleanUnregMintsNoRecover(t *testing.T) {
	dataDir := t.TempDir()
	hb := options.HeartbeatOptions{LostLimit: 3}

	r1 := New(dataDir, hb, nil)
	first, err := r1.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("first reg: %v", err)
	}
	if err := r1.Unreg(siteid.RoleMDS, first.SiteID, hxi{}); err != nil {
		t.Fatalf("unreg: %v", err)
	}

	r2inst := New(dataDir, hb, nil)
	second, err := r2inst.Reg(siteid.RoleMDS, siteid.ID(first.SiteID), 1, "salt")
	if err != nil {
		t.Fatalf("reg after a clean unreg should not signal recover, got %v", err)
	}
	if second.Hxi != first.Hxi {
		t.Fatalf("restored hxi mismatch: got %+v want %+v", second.Hxi, first.Hxi)
	}
}

func TestRegOnErroredSiteSignalsRecover(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}
	for i := 0; i < r.hb.LostLimit; i++ {
		if err := r.SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	_, err = r.Reg(siteid.RoleMDS, siteid.ID(reply.SiteID), 1, "salt")
	if errors.KindOf(err) != errors.KindRecover {
		t.Fatalf("want KindRecover for a site re-registering from ERROR, got %v", err)
	}
}

func TestRegOnTransientSiteSignalsHwait(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}
	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	_, err = r.Reg(siteid.RoleMDS, siteid.ID(reply.SiteID), 1, "salt")
	if errors.KindOf(err) != errors.KindHwait {
		t.Fatalf("want KindHwait for a site re-registering while TRANSIENT, got %v", err)
	}
}

func TestMkfsIsIdempotentAndReturnsOriginalRootTx(t *testing.T) {
	r := newTestRegistry(t)

	root, err := r.Mkfs(7, 100, 200, 300, 400)
	if err != nil {
		t.Fatalf("first mkfs: %v", err)
	}
	if root.RootTx != 1 {
		t.Fatalf("want root_tx 1 on first mkfs, got %d", root.RootTx)
	}

	again, err := r.Mkfs(7, 999, 999, 999, 999)
	if err == nil {
		t.Fatalf("want KindExists on re-running mkfs for an existing fsid")
	}
	if again.RootTx != root.RootTx || again.GdtUUID != root.GdtUUID {
		t.Fatalf("re-running mkfs must return the original root entry unchanged, got %+v want %+v", again, root)
	}
}

func TestUnregMergesHxiAndLeavesRing(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	incoming := hxi{MiTx: 50, MiTxg: 3, MiUuid: 7, MiFnum: 2}
	if err := r.Unreg(siteid.RoleMDS, reply.SiteID, incoming); err != nil {
		t.Fatalf("unreg: %v", err)
	}

	r.mu.Lock()
	se := r.sites[reply.SiteID]
	r.mu.Unlock()
	got := se.snapshotHxi()
	if got.MiTx != 50 || got.MiTxg != 3 || got.MiUuid != 7 || got.MiFnum != 2 {
		t.Fatalf("unreg should merge the incoming hxi, got %+v want counters of %+v", got, incoming)
	}

	for _, p := range r.mdsRing.Points(GroupMDS) {
		if p.Site == reply.SiteID {
			t.Fatalf("unreg should remove the site from its ring group")
		}
	}

	state, ok := r.SiteState(reply.SiteID)
	if !ok || state != StateShutdown {
		t.Fatalf("want shutdown state after unreg, got %v", state)
	}
}

func TestHeartbeatSweepDemotesMissingSite(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	for i := 0; i < r.hb.LostLimit; i++ {
		if err := r.SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	state, ok := r.SiteState(reply.SiteID)
	if !ok || state != StateError {
		t.Fatalf("want ERROR after %d missed sweeps, got %v", r.hb.LostLimit, state)
	}

	for _, p := range r.mdsRing.Points(GroupMDS) {
		if p.Site == reply.SiteID {
			t.Fatalf("a site in ERROR state should be removed from the ring")
		}
	}
}

func TestHeartbeatResetsMissedCounter(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := r.HB(reply.SiteID); err != nil {
		t.Fatalf("hb: %v", err)
	}

	state, ok := r.SiteState(reply.SiteID)
	if !ok || state != StateNormal {
		t.Fatalf("a fresh heartbeat should return the site to NORMAL, got %v", state)
	}
}

type recordingSubscriber struct {
	groups []uint32
}

func (s *recordingSubscriber) RingUpdated(group uint32, _ []ring.Point) {
	s.groups = append(s.groups, group)
}

func TestOnlineOfflineBroadcastsRingChange(t *testing.T) {
	r := newTestRegistry(t)

	reply, err := r.Reg(siteid.RoleMDS, siteid.Unassigned, 1, "salt")
	if err != nil {
		t.Fatalf("reg: %v", err)
	}
	sub := &recordingSubscriber{}
	r.Subscribe(reply.SiteID, sub)

	if err := r.Offline(siteid.RoleMDS, reply.SiteID); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if len(sub.groups) != 1 || sub.groups[0] != GroupMDS {
		t.Fatalf("offline should broadcast one MDS ring update, got %v", sub.groups)
	}
	for _, p := range r.mdsRing.Points(GroupMDS) {
		if p.Site == reply.SiteID {
			t.Fatalf("offline should remove the site from its ring group")
		}
	}

	if err := r.Online(siteid.RoleMDS, reply.SiteID, "salt"); err != nil {
		t.Fatalf("online: %v", err)
	}
	found := false
	for _, p := range r.mdsRing.Points(GroupMDS) {
		if p.Site == reply.SiteID {
			found = true
		}
	}
	if !found {
		t.Fatalf("online should re-join the site to its ring group")
	}
	if len(sub.groups) != 2 || sub.groups[1] != GroupMDS {
		t.Fatalf("online should broadcast a second MDS ring update, got %v", sub.groups)
	}
}

func TestBitmapSetsBitAndPersists(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Mkfs(3, 1, 2, 3, 4); err != nil {
		t.Fatalf("mkfs: %v", err)
	}
	if err := r.Bitmap(3, 17); err != nil {
		t.Fatalf("bitmap: %v", err)
	}

	r.mu.Lock()
	root := r.roots[3]
	r.mu.Unlock()
	if len(root.Bitmap) <= 2 || root.Bitmap[2]&(1<<1) == 0 {
		t.Fatalf("want bit 17 set, got %v", root.Bitmap)
	}

	buf, err := os.ReadFile(r.rootPath(3))
	if err != nil {
		t.Fatalf("read persisted root entry: %v", err)
	}
	persisted, err := decodeRootEntry(buf)
	if err != nil {
		t.Fatalf("decode persisted root entry: %v", err)
	}
	if len(persisted.Bitmap) <= 2 || persisted.Bitmap[2]&(1<<1) == 0 {
		t.Fatalf("want bit 17 set in the persisted root entry, got %v", persisted.Bitmap)
	}
}
