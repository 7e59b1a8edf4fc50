package storage

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/hvfs/metadata/pkg/errors"
)

// rangeFile is the on-disk `range-<id>` array of §3/§6: a fixed-size array
// of (master uint32, offset uint64) slots, indexed by (itbid - rec.Begin).
// A zero master means "absent" — itb masters are minted starting at 1, so
// no live entry ever has master 0. Storing the master alongside the offset
// lets a lookup resolve which itb-<master> file (plain or zstd-archived by
// CompactRetired) to read from, since rotation means a directory's itb
// generations are not all the same file.
type rangeFile struct {
	mu   sync.Mutex
	file *os.File
	rec  RangeRec
}

const rangeSlotSize = 12 // 4-byte master + 8-byte offset

func openRangeFile(path string, rec RangeRec) (*rangeFile, error) {
	size := int64(rec.End-rec.Begin+1) * rangeSlotSize
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "open range file")
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.NewStorageError(err, errors.KindIO, "grow range file")
		}
	}
	return &rangeFile{file: f, rec: rec}, nil
}

// lookup returns the itb master and byte offset recorded for itbid, or
// KindNoEntry if the slot's master is zero ("absent").
func (rf *rangeFile) lookup(itbid uint64) (uint32, int64, error) {
	if !rf.rec.contains(itbid) {
		return 0, 0, errors.NewStorageError(nil, errors.KindArg, "itbid outside range bounds")
	}
	idx := itbid - rf.rec.Begin
	var buf [rangeSlotSize]byte
	if err := preadAll(rf.file, buf[:], int64(idx)*rangeSlotSize); err != nil {
		return 0, 0, err
	}
	master := binary.LittleEndian.Uint32(buf[0:4])
	if master == 0 {
		return 0, 0, errors.NewStorageError(nil, errors.KindNoEntry, "itb not present in range")
	}
	off := int64(binary.LittleEndian.Uint64(buf[4:12]))
	return master, off, nil
}

// write records (master, offset) for itbid under an fsync barrier, per §4.2.
func (rf *rangeFile) write(itbid uint64, master uint32, offset int64) error {
	if !rf.rec.contains(itbid) {
		return errors.NewStorageError(nil, errors.KindArg, "itbid outside range bounds")
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	idx := itbid - rf.rec.Begin
	var buf [rangeSlotSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], master)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(offset))
	if err := pwriteAll(rf.file, buf[:], int64(idx)*rangeSlotSize); err != nil {
		return err
	}
	if err := rf.file.Sync(); err != nil {
		return errors.NewStorageError(err, errors.KindIO, "fsync range file")
	}
	return nil
}

// truncateAfter zeroes every slot recorded against master at or beyond
// cutoff, used on startup to erase range-index entries for a TXG that
// never reached TXG_END before a crash (§8 "Storage recovery": "range
// lookups for those [unfenced] ITBs return NoEntry").
func (rf *rangeFile) truncateAfter(master uint32, cutoff int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	n := int64(rf.rec.End-rf.rec.Begin+1)
	var buf [rangeSlotSize]byte
	var zero [rangeSlotSize]byte
	for idx := int64(0); idx < n; idx++ {
		if err := preadAll(rf.file, buf[:], idx*rangeSlotSize); err != nil {
			return err
		}
		gotMaster := binary.LittleEndian.Uint32(buf[0:4])
		if gotMaster != master {
			continue
		}
		off := int64(binary.LittleEndian.Uint64(buf[4:12]))
		if off < cutoff {
			continue
		}
		if err := pwriteAll(rf.file, zero[:], idx*rangeSlotSize); err != nil {
			return err
		}
	}
	return rf.file.Sync()
}

func (rf *rangeFile) close() error {
	return rf.file.Close()
}
