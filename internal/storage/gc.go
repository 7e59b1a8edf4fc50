package storage

import (
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/hvfs/metadata/pkg/errors"
	"github.com/hvfs/metadata/pkg/filesys"
)

// archiveSuffix marks a zstd-compressed, retired itb segment.
const archiveSuffix = ".zst"

// CompactRetired zstd-archives directory uuid's retired itb-<master>
// segment, replacing the plaintext file with a compressed one that reads
// still resolve through transparently (§4.2's descriptor lifecycle treats a
// compacted segment as just another backing file for existing offsets).
// Only a master RotateITB has already superseded may be compacted; the
// active master is never eligible.
func (s *Storage) CompactRetired(uuid uint64, master uint32) error {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return err
	}
	if master >= d.mdisk.master() {
		return errors.NewStorageError(nil, errors.KindArg, "cannot compact the active itb master").
			WithDetail("master", master)
	}

	plainPath := filepath.Join(d.dir, s.itbFileName(master))
	archivePath := plainPath + archiveSuffix

	if exists, err := filesys.Exists(archivePath); err != nil {
		return errors.NewStorageError(err, errors.KindIO, "stat archive file").WithDetail("path", archivePath)
	} else if exists {
		return nil
	}

	raw, err := os.ReadFile(plainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewStorageError(err, errors.KindIO, "read retired itb file").WithDetail("path", plainPath)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return errors.NewStorageError(err, errors.KindInternal, "init zstd encoder")
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	if err := filesys.AtomicWriteFile(archivePath, compressed, 0644); err != nil {
		return err
	}

	d.retiredMu.Lock()
	if f, ok := d.retiredFiles[master]; ok {
		f.Close()
		delete(d.retiredFiles, master)
	}
	d.retiredMu.Unlock()

	if err := os.Remove(plainPath); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(err, errors.KindIO, "remove compacted itb file").WithDetail("path", plainPath)
	}

	s.log.Infow("compacted retired itb segment",
		"uuid", uuid, "master", master, "bytesBefore", len(raw), "bytesAfter", len(compressed))
	return nil
}

// readArchived returns the fully decompressed bytes of directory d's
// archived itb-<master> segment, decoding once and caching the result —
// archived segments are read-only and bounded by segment size, so holding
// the whole thing in memory is cheap relative to the fsync traffic it
// replaces.
func (s *Storage) readArchived(d *directory, master uint32) ([]byte, error) {
	d.archivedMu.Lock()
	defer d.archivedMu.Unlock()

	if buf, ok := d.archived[master]; ok {
		return buf, nil
	}

	archivePath := filepath.Join(d.dir, s.itbFileName(master)) + archiveSuffix
	compressed, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "read archived itb file").WithDetail("path", archivePath)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindInternal, "init zstd decoder")
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindCorrupt, "decode archived itb file").WithDetail("path", archivePath)
	}

	if d.archived == nil {
		d.archived = make(map[uint32][]byte)
	}
	d.archived[master] = raw
	return raw, nil
}
