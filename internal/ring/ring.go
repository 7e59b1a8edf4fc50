// Package ring implements the consistent-hash ring and per-fsid address
// table of C1: resolving a directory key to its owning site via virtual
// points, and a site-id to its network endpoint.
//
// Ring/addr-table entries are copy-on-update (§5 "Shared-resource
// policy"): a writer builds a brand-new sorted point slice and swaps it in
// atomically. Go's garbage collector is the refcount the original design
// asks for — a reader that already loaded the old slice keeps it alive for
// as long as it holds the reference, and a concurrent update never frees it
// out from under that reader, without any manual reference counting.
package ring

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/hvfs/metadata/pkg/errors"
)

// Point is one virtual node on the ring.
type Point struct {
	Point uint64 // H(site-id, salt, vid)
	VID   int
	Site  uint64
}

// entry is the immutable, sorted point table for one ring group. Never
// mutated in place; updates build a new entry and swap the pointer.
type entry struct {
	points []Point // sorted by Point, ties by (VID, Site) ascending
}

// Ring owns one consistent-hash ring per group-id (e.g. the MDS ring and
// the MDSL ring are different groups).
type Ring struct {
	vidMax int

	mu   sync.Mutex // serializes writers only; readers never block on it
	live map[uint32]*entry // atomically-swapped read snapshots, one per group
	roMu sync.RWMutex       // protects the live map's pointer swaps
}

// New creates a Ring that assigns up to vidMax virtual points per site.
func New(vidMax int) *Ring {
	if vidMax <= 0 {
		vidMax = 128
	}
	return &Ring{
		vidMax: vidMax,
		live:   make(map[uint32]*entry),
	}
}

func hashKey(parts ...any) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		var u uint64
		switch v := p.(type) {
		case string:
			h.Write([]byte(v))
			h.Write([]byte{0})
			continue
		case uint64:
			u = v
		case int:
			u = uint64(v)
		}
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(u >> (8 * i))
		}
		h.Write(b[:])
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// snapshot returns the current live entry for group, or an empty one.
func (r *Ring) snapshot(group uint32) *entry {
	r.roMu.RLock()
	defer r.roMu.RUnlock()
	e := r.live[group]
	if e == nil {
		return &entry{}
	}
	return e
}

func (r *Ring) publish(group uint32, e *entry) {
	r.roMu.Lock()
	r.live[group] = e
	r.roMu.Unlock()
}

// AddPoint adds VidMax virtual points for (group, site) with the given
// salt, then resorts. Returns KindAgain ("Busy") if a concurrent writer
// holds the ring; callers are expected to loop on that.
func (r *Ring) AddPoint(group uint32, site uint64, salt string) error {
	if !r.mu.TryLock() {
		return errors.NewRingError(nil, errors.KindAgain, "ring busy")
	}
	defer r.mu.Unlock()

	cur := r.snapshot(group)
	next := make([]Point, len(cur.points), len(cur.points)+r.vidMax)
	copy(next, cur.points)
	for vid := 0; vid < r.vidMax; vid++ {
		p := hashKey(site, salt, vid)
		next = append(next, Point{Point: p, VID: vid, Site: site})
	}
	sortPoints(next)
	r.publish(group, &entry{points: next})
	return nil
}

// RemovePoint removes every virtual point belonging to site from group.
func (r *Ring) RemovePoint(group uint32, site uint64) error {
	if !r.mu.TryLock() {
		return errors.NewRingError(nil, errors.KindAgain, "ring busy")
	}
	defer r.mu.Unlock()

	cur := r.snapshot(group)
	next := make([]Point, 0, len(cur.points))
	for _, p := range cur.points {
		if p.Site != site {
			next = append(next, p)
		}
	}
	r.publish(group, &entry{points: next})
	return nil
}

// Resort forces a re-sort of group's point table; used after an externally
// constructed point list (e.g. one replicated wholesale from R2) is loaded.
func (r *Ring) Resort(group uint32) {
	cur := r.snapshot(group)
	next := make([]Point, len(cur.points))
	copy(next, cur.points)
	sortPoints(next)
	r.publish(group, &entry{points: next})
}

func sortPoints(pts []Point) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].Point != pts[j].Point {
			return pts[i].Point < pts[j].Point
		}
		if pts[i].VID != pts[j].VID {
			return pts[i].VID < pts[j].VID
		}
		return pts[i].Site < pts[j].Site
	})
}

// GetPoint resolves key to the owning site: the first point whose value is
// >= H(key, salt), wrapping around to index 0 if key hashes past the last
// point.
func (r *Ring) GetPoint(group uint32, key string, salt string) (uint64, error) {
	e := r.snapshot(group)
	if len(e.points) == 0 {
		return 0, errors.NewRingError(nil, errors.KindNoEntry, "ring group has no points")
	}
	target := hashKey(key, salt)
	i := sort.Search(len(e.points), func(i int) bool {
		return e.points[i].Point >= target
	})
	if i == len(e.points) {
		i = 0
	}
	return e.points[i].Site, nil
}

// DynamicAddSite is AddPoint under the name R2's online-membership path
// uses; kept as a distinct entry point so R2's Online handler reads
// naturally.
func (r *Ring) DynamicAddSite(group uint32, site uint64, salt string) error {
	return r.AddPoint(group, site, salt)
}

// DynamicDelSite is RemovePoint under the online-membership path's name.
func (r *Ring) DynamicDelSite(group uint32, site uint64) error {
	return r.RemovePoint(group, site)
}

// Points returns a copy of group's current point table, for serialising to
// a newly-registering site.
func (r *Ring) Points(group uint32) []Point {
	e := r.snapshot(group)
	out := make([]Point, len(e.points))
	copy(out, e.points)
	return out
}

// LoadPoints replaces group's point table wholesale (used when a site
// receives a ring snapshot from R2 on registration) and resorts it.
func (r *Ring) LoadPoints(group uint32, pts []Point) {
	cp := make([]Point, len(pts))
	copy(cp, pts)
	sortPoints(cp)
	r.publish(group, &entry{points: cp})
}
