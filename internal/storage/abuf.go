package storage

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hvfs/metadata/pkg/errors"
)

// alignToPage rounds a requested buffer size up to the system page size, since
// §4.2 calls for "page-aligned buffers" on the append-buffer pair.
func alignToPage(n int) int {
	ps := unix.Getpagesize()
	if ps <= 0 {
		ps = 4096
	}
	if n <= 0 {
		n = ps
	}
	return ((n + ps - 1) / ps) * ps
}

// appendBuffer is the write-side of one writable itb-* descriptor: a pair
// of page-aligned buffers, one accepting writes while the other is
// asynchronously flushed to disk with pwrite (§4.2 "Append buffer").
//
// Writers observe monotonically increasing locations; a buffer is durable
// only once its background flush completes — Sync waits for that.
type appendBuffer struct {
	log  *zap.SugaredLogger
	file *os.File

	mu        sync.Mutex
	bufs      [2][]byte
	active    int
	activeLen int
	baseOff   int64 // file offset where bufs[active] begins

	fileLen  atomic.Int64 // durable watermark: bytes flushed so far
	flushing sync.WaitGroup
	flushErr atomic.Value // stores error, if the last background flush failed
}

func newAppendBuffer(log *zap.SugaredLogger, file *os.File, bufSize int64, startOffset int64) *appendBuffer {
	sz := alignToPage(int(bufSize))
	ab := &appendBuffer{log: log, file: file, baseOff: startOffset}
	ab.bufs[0] = make([]byte, 0, sz)
	ab.bufs[1] = make([]byte, 0, sz)
	ab.fileLen.Store(startOffset)
	return ab
}

// Write appends data to the current buffer, swapping and kicking off an
// async flush of the retired buffer if data doesn't fit. It returns the
// pre-flush file offset ("location") the caller should record as this
// write's address — exactly what mdisk's range index stores.
func (ab *appendBuffer) Write(data []byte) (int64, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	cur := ab.bufs[ab.active]
	if len(data) > cap(cur) {
		// Larger than a full buffer: flush directly rather than trying to
		// fit it into the double-buffer scheme. Bytes already buffered
		// are retired first so they flush at the locations handed out.
		if ab.activeLen > 0 {
			ab.swapLocked()
		}
		loc := ab.baseOff
		if err := ab.flushSync(data, loc); err != nil {
			return 0, err
		}
		return loc, nil
	}

	if ab.activeLen+len(data) > cap(cur) {
		ab.swapLocked()
		cur = ab.bufs[ab.active]
	}

	loc := ab.baseOff + int64(ab.activeLen)
	ab.bufs[ab.active] = append(cur, data...)
	ab.activeLen += len(data)
	return loc, nil
}

// swapLocked retires the current buffer for async flush and activates the
// other one. Caller must hold ab.mu.
func (ab *appendBuffer) swapLocked() {
	retired := ab.active
	retiredBuf := ab.bufs[retired]
	retiredOff := ab.baseOff

	ab.active = 1 - ab.active
	ab.baseOff = retiredOff + int64(len(retiredBuf))
	ab.activeLen = 0
	ab.bufs[ab.active] = ab.bufs[ab.active][:0]

	ab.flushing.Add(1)
	go func() {
		defer ab.flushing.Done()
		if err := pwriteAll(ab.file, retiredBuf, retiredOff); err != nil {
			ab.flushErr.Store(err)
			ab.log.Errorw("append buffer flush failed", "offset", retiredOff, "bytes", len(retiredBuf), "error", err)
			return
		}
		ab.fileLen.Store(retiredOff + int64(len(retiredBuf)))
		ab.bufs[retired] = ab.bufs[retired][:0]
	}()
}

// flushSync writes data directly at loc, bypassing the double buffer, for
// writes too large to fit in one buffer half.
func (ab *appendBuffer) flushSync(data []byte, loc int64) error {
	if err := pwriteAll(ab.file, data, loc); err != nil {
		return err
	}
	ab.baseOff = loc + int64(len(data))
	if ab.baseOff > ab.fileLen.Load() {
		ab.fileLen.Store(ab.baseOff)
	}
	return nil
}

// Sync blocks until every flush kicked off so far has completed, and
// surfaces the first flush error observed, if any.
func (ab *appendBuffer) Sync() error {
	ab.mu.Lock()
	ab.swapLocked()
	ab.mu.Unlock()

	ab.flushing.Wait()
	if v := ab.flushErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Durable reports the file offset up to which data is guaranteed flushed.
func (ab *appendBuffer) Durable() int64 {
	return ab.fileLen.Load()
}

func pwriteAll(f *os.File, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(int(f.Fd()), buf, offset)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.NewStorageError(err, errors.KindIO, "pwrite failed")
		}
		if n == 0 {
			return errors.NewStorageError(nil, errors.KindIO, "pwrite wrote 0 bytes")
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

func preadAll(f *os.File, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(int(f.Fd()), buf, offset)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.NewStorageError(err, errors.KindIO, "pread failed")
		}
		if n == 0 {
			return errors.NewStorageError(nil, errors.KindCorrupt, "pread hit EOF early")
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}
