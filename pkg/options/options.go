// Package options provides the functional-options configuration surface for
// a metadata-plane node (MDS, MDSL, or R2 process), generalizing the
// teacher's DataDir/SegmentOptions pattern to cover the ring, CBHT, TXG and
// heartbeat knobs this system needs.
package options

import (
	"strings"
	"time"
)

// SegmentOptions configures the MDSL append-buffered itb-* segment files.
type SegmentOptions struct {
	// Size is the maximum size a segment can grow to before rotation.
	Size uint64 `json:"maxSegmentSize"`
	// Directory is the sub-directory (under DataDir) holding segment files.
	Directory string `json:"directory"`
	// Prefix is the segment filename prefix: "<prefix>-<N>".
	Prefix string `json:"prefix"`
	// BufSize is the size of each of the two append-buffer halves.
	BufSize int `json:"bufSize"`
}

// RingOptions configures the consistent hash ring (C1).
type RingOptions struct {
	// VirtualNodes is the number of virtual points added per site.
	VirtualNodes int `json:"virtualNodes"`
}

// CBHTOptions configures the extendible hash table (C4).
type CBHTOptions struct {
	// BucketDepth is the initial local depth of every bucket; a bucket
	// holds 2^BucketDepth bucket-entry slots and splits once its active
	// count reaches 2*2^BucketDepth.
	BucketDepth uint `json:"bucketDepth"`
	// DirDepth is the initial directory depth; directory size is
	// 2^DirDepth slots.
	DirDepth uint `json:"dirDepth"`
}

// TxgOptions configures the TX/TXG commit path (C5).
type TxgOptions struct {
	// Interval is how often the epoch timer rotates the open TXG.
	Interval time.Duration `json:"txgInterval"`
}

// HeartbeatOptions configures R2's liveness tracking (C6).
type HeartbeatOptions struct {
	Interval   time.Duration `json:"heartbeatInterval"`
	LostLimit  int           `json:"heartbeatLostLimit"`
	SweepEvery time.Duration `json:"heartbeatSweepEvery"`
}

// Options is the full configuration surface for a metadata-plane node.
type Options struct {
	// DataDir is the base path under which every on-disk subsystem roots
	// its own sub-directory.
	DataDir string `json:"dataDir"`

	Segment   SegmentOptions   `json:"segment"`
	Ring      RingOptions      `json:"ring"`
	CBHT      CBHTOptions      `json:"cbht"`
	Txg       TxgOptions       `json:"txg"`
	Heartbeat HeartbeatOptions `json:"heartbeat"`

	// BitmapSliceBytes is the fixed size of one ITB-existence bitmap
	// slice (§3 "chunked into fixed-byte slices").
	BitmapSliceBytes int `json:"bitmapSliceBytes"`
}

// OptionFunc mutates an Options during construction.
type OptionFunc func(*Options)

// WithDataDir overrides the base data directory.
func WithDataDir(dir string) OptionFunc {
	return func(o *Options) {
		dir = strings.TrimSpace(dir)
		if dir != "" {
			o.DataDir = dir
		}
	}
}

// WithSegmentSize overrides the MDSL segment rotation size. A size outside
// [MinSegmentSize, MaxSegmentSize] is ignored and the current size kept.
func WithSegmentSize(size uint64) OptionFunc {
	return func(o *Options) {
		if size >= MinSegmentSize && size <= MaxSegmentSize {
			o.Segment.Size = size
		}
	}
}

// WithSegmentDir overrides the segment sub-directory name.
func WithSegmentDir(dir string) OptionFunc {
	return func(o *Options) {
		dir = strings.TrimSpace(dir)
		if dir != "" {
			o.Segment.Directory = dir
		}
	}
}

// WithVirtualNodes overrides the ring's per-site virtual-node count.
func WithVirtualNodes(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 && n <= MaxVirtualNodes {
			o.Ring.VirtualNodes = n
		}
	}
}

// WithBucketDepth overrides the CBHT's initial bucket depth.
func WithBucketDepth(d uint) OptionFunc {
	return func(o *Options) {
		if d > 0 {
			o.CBHT.BucketDepth = d
		}
	}
}

// WithTxgInterval overrides the TXG epoch rotation period.
func WithTxgInterval(interval time.Duration) OptionFunc {
	return func(o *Options) {
		if interval > 0 {
			o.Txg.Interval = interval
		}
	}
}

// WithHeartbeatInterval overrides the R2 heartbeat send period. The sweep
// period (Heartbeat.SweepEvery) is not changed.
func WithHeartbeatInterval(interval time.Duration) OptionFunc {
	return func(o *Options) {
		if interval > 0 {
			o.Heartbeat.Interval = interval
		}
	}
}

// Build applies opts over NewDefaultOptions and returns the result.
func Build(opts ...OptionFunc) Options {
	o := NewDefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
