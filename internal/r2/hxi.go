package r2

import (
	"encoding/binary"

	"github.com/hvfs/metadata/pkg/errors"
)

// hxi is the per-site checkpoint (§3 "hxi (site checkpoint)"): monotonic
// counters a site carries across restarts, plus its fsid-scoped ring/gdt
// salts. Persisted to a hex-site-id-named blob under the registry's data
// root (§6 "hxi file") and reloaded on the next `reg`.
type hxi struct {
	MiTx   uint64
	MiTxg  uint64
	MiUuid uint64
	MiFnum uint64

	RootSalt uint64
	GdtSalt  uint64
}

const hxiRecordSize = 8 * 6

func newHxi() hxi {
	return hxi{MiTx: 1, MiTxg: 1, MiUuid: 1, MiFnum: 1}
}

func (h hxi) encode() []byte {
	buf := make([]byte, hxiRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.MiTx)
	binary.LittleEndian.PutUint64(buf[8:16], h.MiTxg)
	binary.LittleEndian.PutUint64(buf[16:24], h.MiUuid)
	binary.LittleEndian.PutUint64(buf[24:32], h.MiFnum)
	binary.LittleEndian.PutUint64(buf[32:40], h.RootSalt)
	binary.LittleEndian.PutUint64(buf[40:48], h.GdtSalt)
	return buf
}

func decodeHxi(buf []byte) (hxi, error) {
	if len(buf) != hxiRecordSize {
		return hxi{}, errors.NewR2Error(nil, errors.KindCorrupt, "hxi record malformed")
	}
	return hxi{
		MiTx:     binary.LittleEndian.Uint64(buf[0:8]),
		MiTxg:    binary.LittleEndian.Uint64(buf[8:16]),
		MiUuid:   binary.LittleEndian.Uint64(buf[16:24]),
		MiFnum:   binary.LittleEndian.Uint64(buf[24:32]),
		RootSalt: binary.LittleEndian.Uint64(buf[32:40]),
		GdtSalt:  binary.LittleEndian.Uint64(buf[40:48]),
	}, nil
}

// checkpointRecordSize is the on-disk layout persisted at hxiPath: the hxi
// record itself followed by one byte marking whether the site's last
// persist happened at a clean shutdown (1) or while still registered (0).
// Reg inspects that byte on restart to decide whether the site's previous
// run exited cleanly or needs recovery.
const checkpointRecordSize = hxiRecordSize + 1

func encodeCheckpoint(h hxi, clean bool) []byte {
	buf := make([]byte, checkpointRecordSize)
	copy(buf, h.encode())
	if clean {
		buf[hxiRecordSize] = 1
	}
	return buf
}

func decodeCheckpoint(buf []byte) (hxi, bool, error) {
	if len(buf) != checkpointRecordSize {
		return hxi{}, false, errors.NewR2Error(nil, errors.KindCorrupt, "hxi checkpoint record malformed")
	}
	h, err := decodeHxi(buf[:hxiRecordSize])
	if err != nil {
		return hxi{}, false, err
	}
	return h, buf[hxiRecordSize] != 0, nil
}

// merge folds an incoming hxi (from unreg/update) into h, taking the max of
// every monotonic counter so a stale re-delivery never regresses the
// checkpoint (root_do_unreg/root_do_update's "merge" step).
func (h *hxi) merge(in hxi) {
	h.MiTx = maxU64(h.MiTx, in.MiTx)
	h.MiTxg = maxU64(h.MiTxg, in.MiTxg)
	h.MiUuid = maxU64(h.MiUuid, in.MiUuid)
	h.MiFnum = maxU64(h.MiFnum, in.MiFnum)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
