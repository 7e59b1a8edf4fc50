package storage

import (
	"os"
	"path/filepath"

	"github.com/hvfs/metadata/pkg/errors"
)

// bitmapFile opens (creating if necessary) the single `bitmap` file that
// holds every slice for directory d, per §3/§6.
func (s *Storage) bitmapFile(d *directory) (*os.File, error) {
	d.bitmapMu.Lock()
	defer d.bitmapMu.Unlock()

	if d.bitmapFile != nil {
		return d.bitmapFile, nil
	}
	path := filepath.Join(d.dir, "bitmap")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "open bitmap file").WithDetail("path", path)
	}
	d.bitmapFile = f
	return f, nil
}

// LoadBitmapSlice implements bc_backend_load (§4.3): reads slice k of
// directory uuid's existence bitmap. A slice entirely past EOF reads as all
// zero bits (no ITB of that slice has ever been flushed).
func (s *Storage) LoadBitmapSlice(uuid uint64, k int) ([]byte, error) {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return nil, err
	}
	f, err := s.bitmapFile(d)
	if err != nil {
		return nil, err
	}

	sliceBytes := s.options.BitmapSliceBytes
	offset := int64(k) * int64(sliceBytes)
	buf := make([]byte, sliceBytes)

	stat, err := f.Stat()
	if err != nil {
		return nil, errors.NewStorageError(err, errors.KindIO, "stat bitmap file")
	}
	if offset >= stat.Size() {
		return buf, nil // unwritten slice: synthesised as all-zero
	}

	n := sliceBytes
	if offset+int64(n) > stat.Size() {
		n = int(stat.Size() - offset)
	}
	if err := preadAll(f, buf[:n], offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// BitmapSliceCount implements bc_dir_lookup's size query (§4.3): how many
// slices of uuid's bitmap have ever been written. A directory whose bitmap
// has never been written reports 0.
func (s *Storage) BitmapSliceCount(uuid uint64) (int, error) {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return 0, err
	}
	f, err := s.bitmapFile(d)
	if err != nil {
		return 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		return 0, errors.NewStorageError(err, errors.KindIO, "stat bitmap file")
	}
	sliceBytes := int64(s.options.BitmapSliceBytes)
	n := int((stat.Size() + sliceBytes - 1) / sliceBytes)
	return n, nil
}

// StoreBitmapSlice persists slice k of directory uuid's bitmap, growing the
// file as needed.
func (s *Storage) StoreBitmapSlice(uuid uint64, k int, data []byte) error {
	d, err := s.openDirectory(uuid)
	if err != nil {
		return err
	}
	f, err := s.bitmapFile(d)
	if err != nil {
		return err
	}
	offset := int64(k) * int64(s.options.BitmapSliceBytes)
	if err := pwriteAll(f, data, offset); err != nil {
		return err
	}
	return f.Sync()
}
