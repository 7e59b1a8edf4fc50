package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/hvfs/metadata/pkg/errors"
)

// fenceFileName holds the last TXG_END fence persisted for a directory: the
// master generation and byte offset its active itb file had reached at the
// moment every ITB in that TXG was durably flushed (§4.5 "finally emits a
// single TXG_END marker to MDSL so recovery can truncate partial TXGs").
const fenceFileName = "txg-fence"

const fenceRecordSize = 8 + 4 + 8 // txg + master + offset

type fenceRecord struct {
	Txg    uint64
	Master uint32
	Offset int64
}

func readFence(dir string) (fenceRecord, bool, error) {
	buf, err := os.ReadFile(filepath.Join(dir, fenceFileName))
	if os.IsNotExist(err) {
		return fenceRecord{}, false, nil
	}
	if err != nil {
		return fenceRecord{}, false, errors.NewStorageError(err, errors.KindIO, "read txg fence")
	}
	if len(buf) != fenceRecordSize {
		return fenceRecord{}, false, errors.NewStorageError(nil, errors.KindCorrupt, "txg fence record malformed")
	}
	return fenceRecord{
		Txg:    binary.LittleEndian.Uint64(buf[0:8]),
		Master: binary.LittleEndian.Uint32(buf[8:12]),
		Offset: int64(binary.LittleEndian.Uint64(buf[12:20])),
	}, true, nil
}

func writeFence(dir string, f fenceRecord) error {
	buf := make([]byte, fenceRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.Txg)
	binary.LittleEndian.PutUint32(buf[8:12], f.Master)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(f.Offset))
	if err := renameio.WriteFile(filepath.Join(dir, fenceFileName), buf, 0644); err != nil {
		return errors.NewStorageError(err, errors.KindIO, "persist txg fence")
	}
	return nil
}

// WriteTxgEnd persists the TXG_END fence for uuid's directory at the
// current active-file size, the step internal/txg takes once every ITB in
// a closed epoch has flushed successfully. Until this is called, a crash
// leaves the just-written records unfenced; recoverTruncation erases them
// from the range index on the next startup.
func (s *Storage) WriteTxgEnd(uuid, txg uint64) error {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return err
	}
	if err := d.getAbuf().Sync(); err != nil {
		return err
	}
	stat, err := d.itbFD.currentFile().Stat()
	if err != nil {
		return errors.NewStorageError(err, errors.KindIO, "stat itb file for txg fence")
	}
	return writeFence(d.dir, fenceRecord{Txg: txg, Master: d.mdisk.master(), Offset: stat.Size()})
}

// recoverTruncation implements the crash-recovery half of TXG_END fencing
// (§8 "Storage recovery"): if the active itb file grew past the last fenced
// offset, the tail belongs to a TXG that never reached TXG_END, so it is
// truncated away and every range-file slot pointing into it is cleared,
// making those itbids resolve to NoEntry again.
func (s *Storage) recoverTruncation(d *directory) error {
	fence, ok, err := readFence(d.dir)
	if err != nil {
		return err
	}
	if !ok || fence.Master != d.mdisk.master() {
		return nil
	}

	f := d.itbFD.currentFile()
	info, err := f.Stat()
	if err != nil {
		return errors.NewStorageError(err, errors.KindIO, "stat itb file for txg recovery")
	}
	if info.Size() <= fence.Offset {
		return nil
	}

	s.log.Warnw("truncating unfenced txg tail", "uuid", d.uuid, "master", fence.Master,
		"fencedAt", fence.Offset, "fileSize", info.Size())
	if err := f.Truncate(fence.Offset); err != nil {
		return errors.NewStorageError(err, errors.KindIO, "truncate partial txg tail")
	}

	for _, rec := range d.mdisk.listRanges() {
		rf, err := s.rangeFileFor(d, rec)
		if err != nil {
			return err
		}
		if err := rf.truncateAfter(fence.Master, fence.Offset); err != nil {
			return errors.NewStorageError(err, errors.KindIO, "clear unfenced range entries").
				WithDetail("rangeID", fmt.Sprint(rec.RangeID))
		}
	}
	return nil
}
