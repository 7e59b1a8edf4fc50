package dh

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Slice is one loaded bitmap slice plus whether it is the bitmap's last
// slice (the END flag of §3/§8's boundary behaviour).
type Slice struct {
	Data []byte
	End  bool
}

// BitmapCut rounds offset down to the start of the slice containing it —
// bitmap_cut(offset, size) of §4.3.
func BitmapCut(offset, sliceBytes int) int {
	if sliceBytes <= 0 {
		return 0
	}
	return (offset / sliceBytes) * sliceBytes
}

// bitmapCache is the per-process BC: uuid -> slice-index -> slice-bytes,
// with singleflight-deduplicated loads so two concurrent misses on the same
// (uuid, slice) produce exactly one MDSL round trip — the loser in a race
// simply observes the winner's already-inserted slice.
type bitmapCache struct {
	backend    Backend
	sliceBytes int

	mu    sync.Mutex
	slots map[uint64]map[int]Slice

	group singleflight.Group
}

func newBitmapCache(backend Backend, sliceBytes int) *bitmapCache {
	return &bitmapCache{backend: backend, sliceBytes: sliceBytes, slots: make(map[uint64]map[int]Slice)}
}

func (c *bitmapCache) lookupLocal(uuid uint64, k int) (Slice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perDir, ok := c.slots[uuid]
	if !ok {
		return Slice{}, false
	}
	s, ok := perDir[k]
	return s, ok
}

// get returns the slice covering byte offset for directory uuid, per
// mds_bc_get: hit returns the cached slice; miss resolves location/size via
// bc_dir_lookup, synthesises slice 0 of a brand-new directory as all-set,
// otherwise loads via bc_backend_load, and inserts.
func (c *bitmapCache) get(uuid uint64, offset int) (Slice, error) {
	k := BitmapCut(offset, c.sliceBytes) / c.sliceBytes
	if s, ok := c.lookupLocal(uuid, k); ok {
		return s, nil
	}

	key := fmt.Sprintf("%d:%d", uuid, k)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if s, ok := c.lookupLocal(uuid, k); ok {
			return s, nil
		}

		sliceCount, err := c.backend.BCLocation(uuid)
		if err != nil {
			return nil, err
		}

		var data []byte
		if sliceCount == 0 && k == 0 {
			data = make([]byte, c.sliceBytes)
			for i := range data {
				data[i] = 0xff
			}
		} else {
			data, err = c.backend.LoadBitmapSlice(uuid, k)
			if err != nil {
				return nil, err
			}
		}

		s := Slice{Data: data, End: sliceCount > 0 && k >= sliceCount-1}
		c.insert(uuid, k, s)
		return s, nil
	})
	if err != nil {
		return Slice{}, err
	}
	return v.(Slice), nil
}

// insert keeps the first-inserted slice on a race between two misses,
// freeing the loser per §4.3's "bc_get" race rule.
func (c *bitmapCache) insert(uuid uint64, k int, s Slice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perDir, ok := c.slots[uuid]
	if !ok {
		perDir = make(map[int]Slice)
		c.slots[uuid] = perDir
	}
	if _, exists := perDir[k]; !exists {
		perDir[k] = s
	}
}

func (c *bitmapCache) drop(uuid uint64) {
	c.mu.Lock()
	delete(c.slots, uuid)
	c.mu.Unlock()
}

// applyLocal flips the bit for d.ITBID in directory d.UUID's in-memory BC,
// loading the covering slice first if it isn't resident yet. Best-effort:
// bitmap monotonicity (§8 invariant 5) is enforced authoritatively by R2 and
// MDSL; this cache is an accelerator, not the system of record.
func (c *bitmapCache) applyLocal(d Delta) {
	bitsPerSlice := 8 * c.sliceBytes
	k := int(d.ITBID / uint64(bitsPerSlice))

	if _, err := c.get(d.UUID, k*c.sliceBytes); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	perDir, ok := c.slots[d.UUID]
	if !ok {
		return
	}
	s, ok := perDir[k]
	if !ok {
		return
	}
	bitIdx := int(d.ITBID % uint64(bitsPerSlice))
	if byteIdx := bitIdx / 8; byteIdx < len(s.Data) {
		s.Data[byteIdx] |= 1 << uint(bitIdx%8)
	}
	perDir[k] = s
}
