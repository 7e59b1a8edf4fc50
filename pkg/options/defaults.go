package options

import "time"

const (
	// DefaultDataDir is the base directory under which every on-disk
	// subsystem (storage segments, R2 checkpoints) roots its own
	// sub-directory when no override is given.
	DefaultDataDir = "/var/lib/hvfs"

	// Segment sizing for the MDSL append-buffered itb-* files.
	MinSegmentSize     uint64 = 64 * 1024 * 1024
	MaxSegmentSize     uint64 = 4 * 1024 * 1024 * 1024
	DefaultSegmentSize uint64 = 256 * 1024 * 1024

	DefaultSegmentDirectory = "itbs"
	DefaultSegmentPrefix    = "itb"

	// DefaultAppendBufferSize is the size of each of the two page-aligned
	// buffers an abuf descriptor keeps; writes fill one while the other
	// flushes.
	DefaultAppendBufferSize = 4 * 1024 * 1024

	// Hash ring.
	DefaultVirtualNodes = 128
	MaxVirtualNodes     = 256

	// CBHT bucket sizing. bucket_depth controls 2^bucket_depth entries per
	// bucket-entry slot and the 2*2^bucket_depth overflow threshold (§3).
	DefaultBucketDepth = 7
	DefaultDirDepth    = 10

	// TXG epoch rotation.
	DefaultTxgInterval = 2 * time.Second

	// R2 heartbeat.
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultHeartbeatLostLimit  = 3
	DefaultHeartbeatSweepEvery = 1 * time.Second

	// Bitmap slices (§3 "chunked into fixed-byte slices").
	DefaultBitmapSliceBytes = 128 * 1024
)

var defaultOptions = Options{
	DataDir: DefaultDataDir,
	Segment: SegmentOptions{
		Size:      DefaultSegmentSize,
		Directory: DefaultSegmentDirectory,
		Prefix:    DefaultSegmentPrefix,
		BufSize:   DefaultAppendBufferSize,
	},
	Ring: RingOptions{
		VirtualNodes: DefaultVirtualNodes,
	},
	CBHT: CBHTOptions{
		BucketDepth: DefaultBucketDepth,
		DirDepth:    DefaultDirDepth,
	},
	Txg: TxgOptions{
		Interval: DefaultTxgInterval,
	},
	Heartbeat: HeartbeatOptions{
		Interval:   DefaultHeartbeatInterval,
		LostLimit:  DefaultHeartbeatLostLimit,
		SweepEvery: DefaultHeartbeatSweepEvery,
	},
	BitmapSliceBytes: DefaultBitmapSliceBytes,
}

// NewDefaultOptions returns a copy of the package defaults.
func NewDefaultOptions() Options {
	return defaultOptions
}
