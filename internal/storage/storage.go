// Package storage implements the MDSL storage engine (C2): an
// append-buffered, range-indexed on-disk layout for ITBs and bitmaps.
// Lookups resolve (uuid, itb-id) -> file offset via an mdisk range index;
// writes go through large append buffers and flush transactionally per
// TXG (driven by internal/txg).
//
// The on-disk layout follows §3/§6: one `md` file per directory holding
// the mdisk range index, a sequence of append-only `itb-<N>` files holding
// serialised ITBs, `range-<id>` files mapping itb-ids to byte offsets
// within the corresponding itb-<N>, and a `bitmap` file holding per-
// directory existence-bitmap slices.
//
// Bootstrap discovers the latest segment file per directory the same way a
// single-log segment-rotation engine discovers its latest segment; here
// that discovery and the Options-driven segment sizing are keyed per
// directory uuid instead of one global log, with an explicit range index
// instead of a pure in-memory keydir.
package storage

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hvfs/metadata/pkg/errors"
	"github.com/hvfs/metadata/pkg/filesys"
	"github.com/hvfs/metadata/pkg/options"
)

var ErrStorageClosed = stdErrors.New("operation failed: cannot access closed storage engine")

// fdRecoveryBackoff bounds how often a poisoned itb descriptor is reopened;
// concurrent writers that hit the same Io error within the window share one
// reopen instead of each retrying independently.
const fdRecoveryBackoff = 2 * time.Second

// Config is the storage engine's construction config: options plus a
// logger, nothing more.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// directory is the open, in-memory state for one directory's MDSL files:
// its range index, its active append buffer, and the range files it has
// opened so far.
type directory struct {
	uuid uint64
	dir  string // this directory's sub-directory under DataDir/mdsl

	mu    sync.Mutex
	mdisk *mdisk

	// abuf and itbFD are swapped together on recovery from a poisoned
	// descriptor, so they're guarded by their own lock rather than mu.
	abufMu  sync.RWMutex
	abuf    *appendBuffer
	itbFD   *fdEntry
	itbPath string

	ranges map[uint32]*rangeFile

	// retiredFiles/archived serve reads against itb generations a rotation
	// has superseded: retiredFiles holds read-only handles to plain
	// itb-<master> files not yet compacted, archived caches the fully
	// decompressed bytes of ones CompactRetired has zstd-archived.
	retiredMu    sync.Mutex
	retiredFiles map[uint32]*os.File
	archivedMu   sync.Mutex
	archived     map[uint32][]byte

	bitmapFile *os.File
	bitmapMu   sync.Mutex
}

func (d *directory) getAbuf() *appendBuffer {
	d.abufMu.RLock()
	defer d.abufMu.RUnlock()
	return d.abuf
}

func (d *directory) setAbuf(a *appendBuffer) {
	d.abufMu.Lock()
	d.abuf = a
	d.abufMu.Unlock()
}

// Storage is the MDSL storage engine: one process-wide coordinator of
// per-directory on-disk state, descriptor lifecycle (fdht), and segment
// rotation.
type Storage struct {
	log     *zap.SugaredLogger
	options *options.Options
	dataDir string

	closed atomic.Bool

	mu   sync.RWMutex
	fds  map[fdKey]*fdEntry
	dirs map[uint64]*directory
}

// New bootstraps the storage engine's data directory. It performs no
// per-directory I/O itself — directories are opened lazily by openDirectory.
func New(config *Config) (*Storage, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, errors.NewStorageError(nil, errors.KindArg, "invalid storage configuration")
	}

	dataDir := filepath.Join(config.Options.DataDir, "mdsl")
	config.Logger.Infow("initializing MDSL storage engine", "dataDir", dataDir)

	if err := filesys.CreateDir(dataDir, 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "failed to create MDSL data directory").
			WithDetail("path", dataDir)
	}

	return &Storage{
		log:     config.Logger,
		options: config.Options,
		dataDir: dataDir,
		fds:     make(map[fdKey]*fdEntry),
		dirs:    make(map[uint64]*directory),
	}, nil
}

func (s *Storage) dirPath(uuid uint64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("d-%016x", uuid))
}

// openDirectory returns the directory state for uuid, bootstrapping its md
// file (and the first itb-* file, if none exists yet) on first use. This is
// lookup_create from §4.2's fdht description, specialized to directories.
func (s *Storage) openDirectory(uuid uint64) (*directory, error) {
	s.mu.RLock()
	d, ok := s.dirs[uuid]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dirs[uuid]; ok {
		return d, nil
	}

	path := s.dirPath(uuid)
	if err := filesys.CreateDir(path, 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "create directory storage dir").WithDetail("path", path)
	}

	md, err := s.loadOrCreateMdisk(path)
	if err != nil {
		return nil, err
	}

	d = &directory{
		uuid:         uuid,
		dir:          path,
		mdisk:        md,
		ranges:       make(map[uint32]*rangeFile),
		retiredFiles: make(map[uint32]*os.File),
		archived:     make(map[uint32][]byte),
	}

	itbPath := filepath.Join(path, s.itbFileName(md.master()))
	itbFD, itbFile, err := s.openActiveItbFD(itbPath)
	if err != nil {
		return nil, err
	}
	d.itbFD = itbFD
	d.itbPath = itbPath

	if err := s.recoverTruncation(d); err != nil {
		return nil, err
	}

	stat, err := itbFile.Stat()
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "stat active itb file")
	}
	d.setAbuf(newAppendBuffer(s.log, itbFile, int64(s.options.Segment.BufSize), stat.Size()))

	s.fds[fdKey{UUID: uuid, Type: FDItb, Arg: uint64(md.master())}] = itbFD
	s.dirs[uuid] = d
	return d, nil
}

func (s *Storage) mdiskPath(dirPath string) string {
	return filepath.Join(dirPath, "md")
}

func (s *Storage) loadOrCreateMdisk(dirPath string) (*mdisk, error) {
	path := s.mdiskPath(dirPath)
	exists, err := filesys.Exists(path)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "stat md file")
	}
	if !exists {
		md := newMdisk()
		md.addRange(RangeRec{RangeID: 1, Begin: 0, End: 1<<20 - 1})
		if err := s.persistMdisk(dirPath, md); err != nil {
			return nil, err
		}
		return md, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "read md file")
	}
	md, err := decodeMdisk(buf)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// persistMdisk atomically rewrites the md file header, used after every
// itb_master rotation or range-list growth so recovery always sees a
// consistent header (§6 on-disk format).
func (s *Storage) persistMdisk(dirPath string, md *mdisk) error {
	return filesys.AtomicWriteFile(s.mdiskPath(dirPath), md.encode(), 0644)
}

func (s *Storage) itbFileName(master uint32) string {
	return fmt.Sprintf("%s-%d", s.options.Segment.Prefix, master)
}

func (s *Storage) openActiveItbFD(path string) (*fdEntry, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, errors.NewStorageError(err, errors.KindIO, "open active itb file").WithDetail("path", path)
	}
	e := newFDEntry(fdKey{Type: FDItb})
	e.file = f
	e.state.Store(int32(fdOpen))
	return e, f, nil
}

// recoverItbFile poisons and reopens d's active itb file descriptor after an
// Io failure, rebuilding the append buffer atop the fresh handle (§4.1
// propagation policy).
func (s *Storage) recoverItbFile(d *directory) error {
	d.itbFD.markPoisoned()
	f, err := d.itbFD.attemptRecovery(d.itbPath, os.O_CREATE|os.O_RDWR, 0644, fdRecoveryBackoff)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		return errors.NewStorageError(err, errors.KindIO, "stat recovered itb file")
	}
	d.setAbuf(newAppendBuffer(s.log, f, int64(s.options.Segment.BufSize), stat.Size()))
	s.log.Warnw("recovered poisoned itb file descriptor", "uuid", d.uuid, "path", d.itbPath)
	return nil
}

func (s *Storage) rangeFileFor(d *directory, rec RangeRec) (*rangeFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rf, ok := d.ranges[rec.RangeID]; ok {
		return rf, nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("range-%d", rec.RangeID))
	rf, err := openRangeFile(path, rec)
	if err != nil {
		return nil, err
	}
	d.ranges[rec.RangeID] = rf
	return rf, nil
}

// Flush appends an ITB's serialised bytes for directory uuid/itbid, records
// the resulting offset in the range index, and returns that offset as the
// ITB's "location" (§4.2 "ITB flush").
func (s *Storage) Flush(uuid, itbid uint64, data []byte) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStorageClosed
	}
	d, err := s.openDirectory(uuid)
	if err != nil {
		return 0, err
	}

	rec, ok := d.mdisk.lookup(itbid)
	if !ok {
		base := itbid - (itbid % (1 << 20))
		rec = RangeRec{RangeID: uint32(d.mdisk.rangeCount()) + 1, Begin: base, End: base + (1<<20 - 1)}
		d.mdisk.addRange(rec)
		if err := s.persistMdisk(d.dir, d.mdisk); err != nil {
			return 0, err
		}
	}
	rf, err := s.rangeFileFor(d, rec)
	if err != nil {
		return 0, err
	}

	loc, err := s.writeWithRecovery(d, encodeRecord(data))
	if err != nil {
		return 0, err
	}
	if err := rf.write(itbid, d.mdisk.master(), loc); err != nil {
		return 0, err
	}
	return loc, nil
}

// writeWithRecovery appends record through d's active append buffer. An Io
// failure poisons the underlying descriptor and is retried exactly once
// against a freshly reopened handle before giving up.
func (s *Storage) writeWithRecovery(d *directory, record []byte) (int64, error) {
	loc, err := d.getAbuf().Write(record)
	if err == nil || errors.KindOf(err) != errors.KindIO {
		return loc, err
	}
	if rErr := s.recoverItbFile(d); rErr != nil {
		return 0, err
	}
	return d.getAbuf().Write(record)
}

// Read resolves (uuid, itbid) through the directory's range index and
// returns the previously flushed bytes (§4.2 "ITB flush ... Readers first
// locate via mdisk->range->offset, then pread at location").
func (s *Storage) Read(uuid, itbid uint64) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	d, err := s.openDirectory(uuid)
	if err != nil {
		return nil, err
	}

	rec, ok := d.mdisk.lookup(itbid)
	if !ok {
		return nil, errors.NewStorageError(nil, errors.KindNoEntry, "itbid has no range")
	}
	rf, err := s.rangeFileFor(d, rec)
	if err != nil {
		return nil, err
	}
	master, offset, err := rf.lookup(itbid)
	if err != nil {
		return nil, err
	}

	if master != d.mdisk.master() {
		return s.readRetired(d, master, offset)
	}

	if err := d.getAbuf().Sync(); err != nil {
		return nil, err
	}
	data, err := readRecord(d.itbFD.currentFile(), offset)
	if err != nil && errors.KindOf(err) == errors.KindIO {
		if rErr := s.recoverItbFile(d); rErr == nil {
			data, err = readRecord(d.itbFD.currentFile(), offset)
		}
	}
	return data, err
}

// readRetired serves a read against an itb generation a rotation has
// superseded: the zstd archive if CompactRetired has already run, otherwise
// the still-plain itb-<master> file opened read-only and cached.
func (s *Storage) readRetired(d *directory, master uint32, offset int64) ([]byte, error) {
	archivePath := filepath.Join(d.dir, s.itbFileName(master)) + archiveSuffix
	if exists, err := filesys.Exists(archivePath); err == nil && exists {
		buf, err := s.readArchived(d, master)
		if err != nil {
			return nil, err
		}
		return readRecordFromBytes(buf, offset)
	}

	d.retiredMu.Lock()
	f, ok := d.retiredFiles[master]
	if !ok {
		path := filepath.Join(d.dir, s.itbFileName(master))
		var openErr error
		f, openErr = os.Open(path)
		if openErr != nil {
			d.retiredMu.Unlock()
			return nil, errors.NewStorageError(openErr, errors.KindIO, "open retired itb file").WithDetail("path", path)
		}
		d.retiredFiles[master] = f
	}
	d.retiredMu.Unlock()

	return readRecord(f, offset)
}

// RotateITB retires directory uuid's active itb master and opens a fresh
// one starting from offset zero. The retired master remains readable (via
// readRetired) until CompactRetired archives or removes it.
func (s *Storage) RotateITB(uuid uint64) (retiredMaster uint32, err error) {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.getAbuf().Sync(); err != nil {
		return 0, err
	}
	if err := d.itbFD.close(); err != nil {
		return 0, err
	}

	retiredMaster = d.mdisk.master()
	next := retiredMaster + 1
	d.mdisk.setMaster(next)
	if err := s.persistMdisk(d.dir, d.mdisk); err != nil {
		return 0, err
	}

	itbPath := filepath.Join(d.dir, s.itbFileName(next))
	itbFD, itbFile, err := s.openActiveItbFD(itbPath)
	if err != nil {
		return 0, err
	}
	d.itbFD = itbFD
	d.itbPath = itbPath
	d.setAbuf(newAppendBuffer(s.log, itbFile, int64(s.options.Segment.BufSize), 0))

	s.mu.Lock()
	s.fds[fdKey{UUID: uuid, Type: FDItb, Arg: uint64(next)}] = itbFD
	s.mu.Unlock()

	s.log.Infow("rotated active itb master", "uuid", uuid, "retired", retiredMaster, "active", next)
	return retiredMaster, nil
}

// Sync blocks until every outstanding append-buffer flush for uuid has
// completed.
func (s *Storage) Sync(uuid uint64) error {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return err
	}
	return d.getAbuf().Sync()
}

// OpenDescriptors reports the number of itb-file descriptor entries tracked
// across all directories, for health/metrics surfaces. The entry of a
// master retired by RotateITB stays counted after its file is closed.
func (s *Storage) OpenDescriptors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fds)
}

// Close flushes and closes every open directory's descriptors.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStorageClosed
	}
	return s.closeAll()
}

// closeAll closes every directory's itb descriptor, range files and bitmap
// file, aggregating failures instead of stopping at the first one so a
// single wedged directory never masks cleanup of the rest.
func (s *Storage) closeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, d := range s.dirs {
		if err := d.getAbuf().Sync(); err != nil {
			errs = append(errs, err)
		}

		d.mu.Lock()
		for _, rf := range d.ranges {
			if err := rf.close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.mu.Unlock()

		if err := d.itbFD.close(); err != nil {
			errs = append(errs, err)
		}

		d.retiredMu.Lock()
		for master, f := range d.retiredFiles {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(d.retiredFiles, master)
		}
		d.retiredMu.Unlock()

		d.bitmapMu.Lock()
		if d.bitmapFile != nil {
			if err := d.bitmapFile.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.bitmapMu.Unlock()
	}
	return multierr.Combine(errs...)
}
