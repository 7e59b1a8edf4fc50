package r2

import (
	"encoding/binary"

	"github.com/hvfs/metadata/pkg/errors"
)

// rootEntry is one filesystem's root record (§3 implicit via `root_tx`,
// `gdt_bitmap`): the gdt/root uuids and salts mkfs allocates, plus the
// gdt-bitmap R2 owns authoritatively for system-level (gdt-scoped)
// directories.
type rootEntry struct {
	Fsid     uint32
	GdtUUID  uint64
	RootUUID uint64
	GdtSalt  uint64
	RootSalt uint64
	RootTx   uint64
	Bitmap   []byte
}

func (r rootEntry) encode() []byte {
	buf := make([]byte, 4+8*5+4+len(r.Bitmap))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], r.Fsid)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.GdtUUID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.RootUUID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.GdtSalt)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.RootSalt)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.RootTx)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Bitmap)))
	off += 4
	copy(buf[off:], r.Bitmap)
	return buf
}

func decodeRootEntry(buf []byte) (rootEntry, error) {
	const fixed = 4 + 8*5 + 4
	if len(buf) < fixed {
		return rootEntry{}, errors.NewR2Error(nil, errors.KindCorrupt, "root entry truncated")
	}
	off := 0
	r := rootEntry{}
	r.Fsid = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.GdtUUID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.RootUUID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.GdtSalt = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.RootSalt = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.RootTx = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	n := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+int(n) {
		return rootEntry{}, errors.NewR2Error(nil, errors.KindCorrupt, "root entry bitmap truncated")
	}
	r.Bitmap = append([]byte(nil), buf[off:off+int(n)]...)
	return r, nil
}

// setBit grows r's bitmap, if needed, to cover bit k, then sets it (§4.6
// "root_do_bitmap": "flips the bit in the per-fsid gdt-bitmap").
func (r *rootEntry) setBit(k uint64) {
	byteIdx := k / 8
	if uint64(len(r.Bitmap)) <= byteIdx {
		grown := make([]byte, byteIdx+1)
		copy(grown, r.Bitmap)
		r.Bitmap = grown
	}
	r.Bitmap[byteIdx] |= 1 << (k % 8)
}
