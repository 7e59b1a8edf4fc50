package storage

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/hvfs/metadata/pkg/errors"
)

// mdiskMagic identifies a valid md file header.
const mdiskMagic uint32 = 0x4d444953 // "MDIS"

// RangeRec is one entry of the md file's range list: itb-ids in
// [Begin, End] are mapped through range-<RangeID>'s offset array (§3,§6).
type RangeRec struct {
	RangeID uint32
	Begin   uint64
	End     uint64
}

func (r RangeRec) contains(itbid uint64) bool {
	return itbid >= r.Begin && itbid <= r.End
}

// mdisk is the in-memory range index for one directory: the current
// active itb-* generation plus the sorted list of ranges mapping itb-ids
// to range files (§4.2 "mdisk (range index)").
type mdisk struct {
	mu        sync.Mutex // serializes writes to the md file (§4.2)
	itbMaster uint32
	ranges    []RangeRec
}

func newMdisk() *mdisk {
	return &mdisk{itbMaster: 1}
}

// lookup finds the range record covering itbid, if any.
func (m *mdisk) lookup(itbid uint64) (RangeRec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges {
		if r.contains(itbid) {
			return r, true
		}
	}
	return RangeRec{}, false
}

// addRange appends a new range record, keeping the list sorted by Begin.
func (m *mdisk) addRange(r RangeRec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges = append(m.ranges, r)
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Begin < m.ranges[j].Begin })
}

func (m *mdisk) setMaster(n uint32) {
	m.mu.Lock()
	m.itbMaster = n
	m.mu.Unlock()
}

func (m *mdisk) master() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itbMaster
}

// rangeCount returns the number of range records, used to mint a fresh
// RangeID when a new one must be appended.
func (m *mdisk) rangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranges)
}

// listRanges returns a copy of the range list, used by txg-fence recovery
// to find every range file that might hold an entry for the truncated
// master generation.
func (m *mdisk) listRanges() []RangeRec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RangeRec, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// encode serializes the md file header per §6:
// {magic, itb_master:u32, range_nr:u32, array of range{range_id, begin, end}}.
func (m *mdisk) encode() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, 12+len(m.ranges)*20)
	binary.LittleEndian.PutUint32(buf[0:4], mdiskMagic)
	binary.LittleEndian.PutUint32(buf[4:8], m.itbMaster)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.ranges)))
	off := 12
	for _, r := range m.ranges {
		binary.LittleEndian.PutUint32(buf[off:off+4], r.RangeID)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], r.Begin)
		binary.LittleEndian.PutUint64(buf[off+12:off+20], r.End)
		off += 20
	}
	return buf
}

func decodeMdisk(buf []byte) (*mdisk, error) {
	if len(buf) < 12 {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "md file too short")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != mdiskMagic {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "bad md file magic")
	}
	m := &mdisk{itbMaster: binary.LittleEndian.Uint32(buf[4:8])}
	n := binary.LittleEndian.Uint32(buf[8:12])
	off := 12
	for i := uint32(0); i < n; i++ {
		if off+20 > len(buf) {
			return nil, errors.NewStorageError(nil, errors.KindCorrupt,
				fmt.Sprintf("md file truncated at range %d/%d", i, n))
		}
		m.ranges = append(m.ranges, RangeRec{
			RangeID: binary.LittleEndian.Uint32(buf[off : off+4]),
			Begin:   binary.LittleEndian.Uint64(buf[off+4 : off+12]),
			End:     binary.LittleEndian.Uint64(buf[off+12 : off+20]),
		})
		off += 20
	}
	return m, nil
}
