package entidb

import (
	"time"

	"github.com/entidb/entidb/internal/entidblog"
	"github.com/entidb/entidb/pkg/wal"
)

// Config controls how Open behaves. Ported from the Rust original's
// entidb_core::config::Config, using the teacher's builder-method
// style (With-prefixed, returning the receiver) instead of Rust's
// consuming builder, and its plain-struct-literal
// Options/DefaultOptions convention from pkg/wal/options.go.
type Config struct {
	CreateIfMissing bool
	ErrorIfExists   bool

	MaxWALSize     uint64
	MaxSegmentSize uint64

	// SyncOnCommit selects the WAL sync policy: when true every WAL
	// record is fsynced as it is written (wal.SyncEveryWrite); when
	// false records are only flushed as they are written and a
	// background interval syncs the WAL (wal.SyncInterval). In both
	// cases Commit also syncs the WAL once after its COMMIT record.
	SyncOnCommit bool

	// CheckpointInterval is how often Database runs an automatic
	// checkpoint in the background; zero disables it.
	CheckpointInterval time.Duration

	// OptimisticConflictCheck enables the read-set validation described
	// in spec §9 Open Question (a). Off by default.
	OptimisticConflictCheck bool

	// EncryptionKey, if non-nil, must be exactly 32 bytes and enables
	// AES-256-GCM encryption of every WAL and segment record.
	EncryptionKey []byte

	FormatMajor uint16
	FormatMinor uint16

	Log entidblog.Config
}

// DefaultConfig returns EntiDB's default configuration.
func DefaultConfig() Config {
	return Config{
		CreateIfMissing:    true,
		ErrorIfExists:      false,
		MaxWALSize:         64 * 1024 * 1024,
		MaxSegmentSize:     256 * 1024 * 1024,
		SyncOnCommit:       true,
		CheckpointInterval: 0,
		FormatMajor:        1,
		FormatMinor:        0,
		Log:                entidblog.Config{Level: entidblog.InfoLevel},
	}
}

// syncPolicy translates SyncOnCommit into the WAL's SyncPolicy enum.
func (c Config) syncPolicy() wal.SyncPolicy {
	if c.SyncOnCommit {
		return wal.SyncEveryWrite
	}
	return wal.SyncInterval
}

func (c Config) WithCreateIfMissing(v bool) Config { c.CreateIfMissing = v; return c }
func (c Config) WithErrorIfExists(v bool) Config   { c.ErrorIfExists = v; return c }
func (c Config) WithMaxWALSize(v uint64) Config    { c.MaxWALSize = v; return c }
func (c Config) WithMaxSegmentSize(v uint64) Config {
	c.MaxSegmentSize = v
	return c
}
func (c Config) WithSyncOnCommit(v bool) Config { c.SyncOnCommit = v; return c }
func (c Config) WithCheckpointInterval(v time.Duration) Config {
	c.CheckpointInterval = v
	return c
}
func (c Config) WithConflictCheck(v bool) Config     { c.OptimisticConflictCheck = v; return c }
func (c Config) WithEncryptionKey(key []byte) Config { c.EncryptionKey = key; return c }
func (c Config) WithFormatVersion(major, minor uint16) Config {
	c.FormatMajor = major
	c.FormatMinor = minor
	return c
}
func (c Config) WithLog(log entidblog.Config) Config { c.Log = log; return c }
