// Package r2 implements the Root/Registry service (C6): site
// registration and liveness, per-fsid mkfs/root bookkeeping, and
// distribution of the ring and address table to the sites that depend on
// them (§4.6, grounded on original_source/r2/x2r.c's root_do_* handlers).
package r2

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hvfs/metadata/internal/ring"
	"github.com/hvfs/metadata/pkg/errors"
	"github.com/hvfs/metadata/pkg/filesys"
	"github.com/hvfs/metadata/pkg/options"
	"github.com/hvfs/metadata/pkg/siteid"
)

// Ring groups: MDS and MDSL each get their own independent point table,
// per internal/ring's "group-id" scoping (root_do_reg ships both back to
// every registering site, whatever its own role).
const (
	GroupMDS uint32 = iota
	GroupMDSL
)

// Subscriber receives ring broadcasts (root_do_online's "broadcast to every
// other online site"). Callers register one per site with Subscribe;
// internal/node registers none.
type Subscriber interface {
	RingUpdated(group uint32, pts []ring.Point)
}

// RegReply is what a `reg` call hands back, in the order
// root_do_reg packs its reply: hxi, both ring groups, root_tx,
// gdt_bitmap, and the address table.
type RegReply struct {
	SiteID    uint64
	Hxi       hxi
	MDSRing   []ring.Point
	MDSLRing  []ring.Point
	RootTx    uint64
	GdtBitmap []byte
	Addr      []ring.Endpoint
}

// Registry is the R2 service: site bookkeeping, per-fsid root records,
// the rings it distributes, and the subscriber set it broadcasts
// membership changes to.
type Registry struct {
	dataDir string
	log     *zap.SugaredLogger
	hb      options.HeartbeatOptions

	mdsRing *ring.Ring
	addr    *ring.AddrTable

	mu          sync.Mutex
	nextOrdinal map[siteid.Role]uint64
	sites       map[uint64]*siteEntry
	roots       map[uint32]*rootEntry

	subMu       sync.Mutex
	subscribers map[uint64]Subscriber
}

// New builds a Registry rooted at dataDir. dataDir/hxi and dataDir/roots
// are created lazily on first write.
func New(dataDir string, hb options.HeartbeatOptions, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		dataDir:     dataDir,
		log:         log,
		hb:          hb,
		mdsRing:     ring.New(0),
		addr:        ring.NewAddrTable(),
		nextOrdinal: make(map[siteid.Role]uint64),
		sites:       make(map[uint64]*siteEntry),
		roots:       make(map[uint32]*rootEntry),
		subscribers: make(map[uint64]Subscriber),
	}
}

func (r *Registry) hxiPath(site uint64) string {
	return filepath.Join(r.dataDir, "hxi", fmt.Sprintf("%016x.hxi", site))
}

func (r *Registry) rootPath(fsid uint32) string {
	return filepath.Join(r.dataDir, "roots", fmt.Sprintf("%08x.root", fsid))
}

// persistHxi rewrites site's checkpoint blob. clean marks whether this
// write corresponds to a graceful Unreg (true) or an active
// registration/update (false); Reg inspects that flag on the next restart.
func (r *Registry) persistHxi(site uint64, h hxi, clean bool) {
	if err := filesys.AtomicWriteFile(r.hxiPath(site), encodeCheckpoint(h, clean), 0o644); err != nil {
		r.log.Errorw("hxi checkpoint write failed", "site", site, "error", err)
	}
}

// loadHxi reads site's persisted checkpoint, if any. The bool result
// reports whether a blob was found at all; when found, clean reports
// whether it was written at a graceful Unreg.
func (r *Registry) loadHxi(site uint64) (h hxi, clean bool, found bool) {
	buf, err := os.ReadFile(r.hxiPath(site))
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Errorw("hxi checkpoint read failed", "site", site, "error", err)
		}
		return hxi{}, false, false
	}
	h, clean, err = decodeCheckpoint(buf)
	if err != nil {
		r.log.Errorw("hxi checkpoint decode failed", "site", site, "error", err)
		return hxi{}, false, false
	}
	return h, clean, true
}

func (r *Registry) persistRoot(root rootEntry) {
	if err := filesys.AtomicWriteFile(r.rootPath(root.Fsid), root.encode(), 0o644); err != nil {
		r.log.Errorw("root entry write failed", "fsid", root.Fsid, "error", err)
	}
}

// allocOrdinal hands out the next monotonic ordinal for role, starting at
// 1 (0 is reserved, matching siteid.Unassigned never colliding with a
// real ordinal).
func (r *Registry) allocOrdinal(role siteid.Role) uint64 {
	r.nextOrdinal[role]++
	return r.nextOrdinal[role]
}

func ringGroupFor(role siteid.Role) (uint32, bool) {
	switch role {
	case siteid.RoleMDS:
		return GroupMDS, true
	case siteid.RoleMDSL:
		return GroupMDSL, true
	default:
		return 0, false
	}
}

// Reg handles a site's first contact: allocating a site-id if the caller
// sent siteid.Unassigned, loading or minting its hxi checkpoint, joining
// the appropriate ring group, and replying with everything the site
// needs to start serving (§4.6 "reg").
//
// A site not yet held in memory is either registering for the first time
// ever (no checkpoint on disk: mint a fresh one) or re-registering after
// an R2 restart (a checkpoint exists: restore it, and flag the caller
// with Recover if that checkpoint was last written while the site was
// still active rather than at a graceful Unreg — root_compact_hxi's
// unclean-shutdown check). A site still held in memory is re-registering
// without an R2 restart: Error means the heartbeat sweeper already gave
// up on it, so it needs the same Recover signal; Transient means it may
// simply have a slow heartbeat, so the caller is told to back off and
// retry rather than treated as lost.
func (r *Registry) Reg(role siteid.Role, id siteid.ID, fsid uint32, salt string) (RegReply, error) {
	r.mu.Lock()
	if id == siteid.Unassigned {
		id = siteid.New(role, r.allocOrdinal(role))
	}
	site := uint64(id)

	var dispatchErr error
	se, ok := r.sites[site]
	if !ok {
		h, clean, found := r.loadHxi(site)
		switch {
		case !found:
			h = newHxi()
		case !clean:
			dispatchErr = errors.NewR2Error(nil, errors.KindRecover,
				"site's last checkpoint was not written at a clean shutdown").
				WithDetail("site", site)
		}
		se = &siteEntry{SiteID: site, Fsid: fsid, Hxi: h, State: StateInit}
		r.sites[site] = se
	} else {
		switch se.currentState() {
		case StateError:
			dispatchErr = errors.NewR2Error(nil, errors.KindRecover,
				"site was marked errored after exceeding its missed-heartbeat limit").
				WithDetail("site", site)
		case StateTransient:
			dispatchErr = errors.NewR2Error(nil, errors.KindHwait,
				"site is still within its missed-heartbeat grace window").
				WithDetail("site", site)
		}
	}
	root := r.roots[fsid]
	r.mu.Unlock()

	se.recordHeartbeat()
	r.persistHxi(site, se.snapshotHxi(), false)

	if group, ok := ringGroupFor(role); ok {
		for {
			err := r.mdsRing.DynamicAddSite(group, site, salt)
			if err == nil || errors.KindOf(err) != errors.KindAgain {
				break
			}
		}
	}

	reply := RegReply{
		SiteID:   site,
		Hxi:      se.snapshotHxi(),
		MDSRing:  r.mdsRing.Points(GroupMDS),
		MDSLRing: r.mdsRing.Points(GroupMDSL),
		Addr:     r.addr.Snapshot(uint64(fsid)),
	}
	if root != nil {
		reply.RootTx = root.RootTx
		reply.GdtBitmap = append([]byte(nil), root.Bitmap...)
	}
	return reply, dispatchErr
}

// Unreg merges the departing site's final hxi, marks it SHUTDOWN, and
// removes it from whichever ring group it belonged to (§4.6 "unreg").
func (r *Registry) Unreg(role siteid.Role, site uint64, incoming hxi) error {
	r.mu.Lock()
	se, ok := r.sites[site]
	r.mu.Unlock()
	if !ok {
		return errors.NewR2Error(nil, errors.KindNoEntry, "unknown site")
	}

	se.mu.Lock()
	se.Hxi.merge(incoming)
	se.State = StateShutdown
	merged := se.Hxi
	se.mu.Unlock()
	r.persistHxi(site, merged, true)

	if group, ok := ringGroupFor(role); ok {
		_ = r.mdsRing.DynamicDelSite(group, site)
		r.broadcastRingUpdate(group)
	}
	return nil
}

// Update merges an in-flight hxi checkpoint without touching membership
// (§4.6 "update": a site periodically re-syncing its checkpoint).
func (r *Registry) Update(site uint64, incoming hxi) error {
	r.mu.Lock()
	se, ok := r.sites[site]
	r.mu.Unlock()
	if !ok {
		return errors.NewR2Error(nil, errors.KindNoEntry, "unknown site")
	}
	se.mu.Lock()
	se.Hxi.merge(incoming)
	merged := se.Hxi
	se.mu.Unlock()
	r.persistHxi(site, merged, false)
	return nil
}

// Mkfs initializes fsid's root record. Re-running Mkfs for an fsid that
// already has one is idempotent: it returns the original, unchanged
// RootTx wrapped in a KindExists error rather than minting a fresh one.
func (r *Registry) Mkfs(fsid uint32, gdtUUID, rootUUID, gdtSalt, rootSalt uint64) (rootEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.roots[fsid]; ok {
		return *existing, errors.NewR2Error(nil, errors.KindExists, "fsid already initialized").
			WithDetail("root_tx", existing.RootTx)
	}

	root := &rootEntry{
		Fsid:     fsid,
		GdtUUID:  gdtUUID,
		RootUUID: rootUUID,
		GdtSalt:  gdtSalt,
		RootSalt: rootSalt,
		RootTx:   1,
		Bitmap:   []byte{0x01},
	}
	r.roots[fsid] = root
	r.persistRoot(*root)
	return *root, nil
}

// HB records a heartbeat for site, resetting its missed-beat counter
// (§4.6 "hb").
func (r *Registry) HB(site uint64) error {
	r.mu.Lock()
	se, ok := r.sites[site]
	r.mu.Unlock()
	if !ok {
		return errors.NewR2Error(nil, errors.KindNoEntry, "unknown site")
	}
	se.recordHeartbeat()
	return nil
}

// Bitmap flips bit k in fsid's gdt-bitmap and persists the result (§4.6
// "bitmap": a new gdt-scoped ITB was created and its existence bit set).
func (r *Registry) Bitmap(fsid uint32, bit uint64) error {
	r.mu.Lock()
	root, ok := r.roots[fsid]
	r.mu.Unlock()
	if !ok {
		return errors.NewR2Error(nil, errors.KindNoEntry, "unknown fsid")
	}
	root.setBit(bit)
	r.persistRoot(*root)
	return nil
}

// Online joins site into role's ring group and broadcasts the new point
// table to every subscriber (§4.6 "online").
func (r *Registry) Online(role siteid.Role, site uint64, salt string) error {
	group, ok := ringGroupFor(role)
	if !ok {
		return errors.NewR2Error(nil, errors.KindArg, "role does not participate in a ring")
	}
	if err := r.mdsRing.DynamicAddSite(group, site, salt); err != nil {
		return err
	}
	r.mu.Lock()
	if se, ok := r.sites[site]; ok {
		se.transition(StateNormal)
	}
	r.mu.Unlock()
	r.broadcastRingUpdate(group)
	return nil
}

// Offline removes site from role's ring group and broadcasts the change.
func (r *Registry) Offline(role siteid.Role, site uint64) error {
	group, ok := ringGroupFor(role)
	if !ok {
		return errors.NewR2Error(nil, errors.KindArg, "role does not participate in a ring")
	}
	if err := r.mdsRing.DynamicDelSite(group, site); err != nil {
		return err
	}
	r.mu.Lock()
	if se, ok := r.sites[site]; ok {
		se.transition(StateShutdown)
	}
	r.mu.Unlock()
	r.broadcastRingUpdate(group)
	return nil
}

// Subscribe registers sub to receive ring broadcasts for site.
func (r *Registry) Subscribe(site uint64, sub Subscriber) {
	r.subMu.Lock()
	r.subscribers[site] = sub
	r.subMu.Unlock()
}

// Unsubscribe removes site's broadcast registration.
func (r *Registry) Unsubscribe(site uint64) {
	r.subMu.Lock()
	delete(r.subscribers, site)
	r.subMu.Unlock()
}

// broadcastRingUpdate pushes group's current point table to every
// subscriber (root_do_online: "notify every other online site of the
// membership change").
func (r *Registry) broadcastRingUpdate(group uint32) {
	pts := r.mdsRing.Points(group)
	r.subMu.Lock()
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subMu.Unlock()
	for _, sub := range subs {
		sub.RingUpdated(group, pts)
	}
}

// SiteState returns site's current membership state, for the heartbeat
// sweeper and for diagnostics.
func (r *Registry) SiteState(site uint64) (State, bool) {
	r.mu.Lock()
	se, ok := r.sites[site]
	r.mu.Unlock()
	if !ok {
		return StateShutdown, false
	}
	return se.currentState(), true
}
