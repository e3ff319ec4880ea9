package lsm

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Dir string
	// BlockSize is the byte budget of a single data block.
	BlockSize int
	// TargetSstSize is the memtable size that triggers a freeze, and the cut
	// size of compaction output tables.
	TargetSstSize int64
	// NumMemTableLimit is the number of immutable memtables kept in memory
	// before the flush worker writes the oldest one to L0.
	NumMemTableLimit int
	EnableWAL        bool
	// Serializable is reserved for the MVCC layer; the core only carries it.
	Serializable   bool
	FsyncPolicy    string // "always"|"every_sec"|"none"
	BlockCacheSize int    // bytes
	BloomFpRate    float64
	FlushInterval  time.Duration
	Logger         *logrus.Logger
}

type WriteOptions struct {
	Sync bool // override fsync policy
}

func DefaultOptions() Options {
	return Options{
		Dir:              "./data",
		BlockSize:        4096,
		TargetSstSize:    2 << 20,
		NumMemTableLimit: 3,
		EnableWAL:        true,
		FsyncPolicy:      "every_sec",
		BlockCacheSize:   64 << 20,
		BloomFpRate:      0.01,
		FlushInterval:    time.Second,
	}
}

func (o *Options) validate() error {
	if o.Dir == "" {
		return invalidArgumentf("options: empty dir")
	}
	if o.BlockSize <= 0 || o.BlockSize > 1<<16 {
		return invalidArgumentf("options: block size %d out of range (0, 65536]", o.BlockSize)
	}
	if o.TargetSstSize <= 0 {
		return invalidArgumentf("options: target sst size must be positive, got %d", o.TargetSstSize)
	}
	if o.NumMemTableLimit <= 0 {
		return invalidArgumentf("options: memtable limit must be positive, got %d", o.NumMemTableLimit)
	}
	switch o.FsyncPolicy {
	case "always", "every_sec", "none":
	case "":
		o.FsyncPolicy = "none"
	default:
		return invalidArgumentf("options: unknown fsync policy %q", o.FsyncPolicy)
	}
	if o.BloomFpRate < 0 || o.BloomFpRate >= 1 {
		return invalidArgumentf("options: bloom false positive rate %v out of range [0, 1)", o.BloomFpRate)
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return nil
}
