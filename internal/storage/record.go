package storage

import (
	"encoding/binary"
	"os"

	"github.com/hvfs/metadata/pkg/errors"
)

// encodeRecord prefixes data with its length so a reader that only knows a
// byte offset can determine how much to read; this plays the role the ITB
// header's own `len` field plays conceptually in §3, without requiring the
// storage package to understand ITB internals.
func encodeRecord(data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)
	return buf
}

// readRecord reads a length-prefixed record written by encodeRecord at
// offset in f.
func readRecord(f *os.File, offset int64) ([]byte, error) {
	var lenBuf [4]byte
	if err := preadAll(f, lenBuf[:], offset); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "zero-length record")
	}
	if n > 256*1024*1024 {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "record length implausibly large")
	}
	data := make([]byte, n)
	if err := preadAll(f, data, offset+4); err != nil {
		return nil, err
	}
	return data, nil
}

// readRecordFromBytes is readRecord's in-memory counterpart, used to serve
// reads out of an itb segment that CompactRetired has decompressed into
// memory after archiving.
func readRecordFromBytes(buf []byte, offset int64) ([]byte, error) {
	if offset < 0 || offset+4 > int64(len(buf)) {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "archived record offset out of range")
	}
	n := binary.LittleEndian.Uint32(buf[offset : offset+4])
	if n == 0 {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "zero-length record")
	}
	if int64(n) > 256*1024*1024 {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "record length implausibly large")
	}
	start, end := offset+4, offset+4+int64(n)
	if end > int64(len(buf)) {
		return nil, errors.NewStorageError(nil, errors.KindCorrupt, "archived record truncated")
	}
	out := make([]byte, n)
	copy(out, buf[start:end])
	return out, nil
}
