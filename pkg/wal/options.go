package wal

import "time"

// SyncPolicy is the WAL's durability strategy (spec §4.2 and §8).
type SyncPolicy int

const (
	// SyncEveryWrite calls backend.Sync after every record. Safest,
	// slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval calls backend.Sync periodically from a background
	// goroutine.
	SyncInterval

	// SyncBatch calls backend.Sync once accumulated unsynced bytes
	// cross SyncBatchBytes.
	SyncBatch
)

// Options configures a Writer.
type Options struct {
	// SyncPolicy selects the durability/throughput tradeoff.
	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the period between background syncs
	// under SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the unsynced-byte threshold under SyncBatch.
	SyncBatchBytes int64
}

// DefaultOptions returns a balanced configuration.
func DefaultOptions() Options {
	return Options{
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
