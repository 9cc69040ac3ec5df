// Package entidb ties the byte-store backend, write-ahead log, segment
// store, transaction manager, change feed, manifest, and backup
// packages together behind EntiDB's public API (spec §6). It is the
// Go analogue of the teacher's StorageEngine and of the Rust original's
// entidb_core::database::Database.
package entidb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entidb/entidb/internal/entidblog"
	"github.com/entidb/entidb/pkg/backend"
	"github.com/entidb/entidb/pkg/backup"
	"github.com/entidb/entidb/pkg/changefeed"
	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/entidb/entidb/pkg/manifest"
	"github.com/entidb/entidb/pkg/segment"
	"github.com/entidb/entidb/pkg/txn"
	"github.com/entidb/entidb/pkg/wal"
	"github.com/rs/zerolog"
)

const (
	walFileName        = "wal.log"
	segmentFilePattern = "seg-%06d.dat"
	segmentFilePrefix  = "seg-"
	segmentFileSuffix  = ".dat"
)

// Database is a single, open EntiDB store: either durable (backed by a
// directory) or ephemeral (backed entirely by in-memory backends).
type Database struct {
	mu sync.Mutex

	dir  string // empty for OpenInMemory
	cfg  Config
	lock *manifest.DirLock

	man *manifest.Manifest

	walBackend backend.Backend
	walWriter  *wal.Writer
	store      *segment.Store
	segOpener  segment.Opener
	txnMgr     *txn.Manager
	feed       *changefeed.Feed
	logger     zerolog.Logger

	checkpointDone chan struct{}

	closed bool
}

// Open opens (or creates, per Config.CreateIfMissing) the database
// directory at dir, running WAL/segment recovery (spec §4.6) before
// returning.
func Open(dir string, cfg Config) (*Database, error) {
	if dir == "" {
		return nil, &dberrors.InvalidOperationError{Message: "Open requires a non-empty directory; use OpenInMemory for an ephemeral database"}
	}

	info, statErr := os.Stat(dir)
	switch {
	case os.IsNotExist(statErr):
		if !cfg.CreateIfMissing {
			return nil, &dberrors.IoError{Op: "open database directory", Err: statErr}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &dberrors.IoError{Op: "create database directory", Err: err}
		}
	case statErr != nil:
		return nil, &dberrors.IoError{Op: "stat database directory", Err: statErr}
	case !info.IsDir():
		return nil, &dberrors.InvalidOperationError{Message: fmt.Sprintf("%s is not a directory", dir)}
	default:
		if cfg.ErrorIfExists {
			if _, err := os.Stat(filepath.Join(dir, "MANIFEST")); err == nil {
				return nil, &dberrors.InvalidOperationError{Message: fmt.Sprintf("database already exists at %s", dir)}
			}
		}
	}

	lock, err := manifest.AcquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	db, err := openLocked(dir, cfg, lock)
	if err != nil {
		lock.Release()
		return nil, err
	}
	return db, nil
}

func openLocked(dir string, cfg Config, lock *manifest.DirLock) (*Database, error) {
	logger := entidblog.New(cfg.Log)

	man, err := manifest.Load(dir, cfg.FormatMajor, cfg.FormatMinor)
	if err != nil {
		return nil, err
	}

	rawWAL, err := backend.OpenFile(filepath.Join(dir, walFileName))
	if err != nil {
		return nil, err
	}
	walBackend, err := wrapEncrypted(rawWAL, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	segOpener := fileSegmentOpener(dir, cfg.EncryptionKey)

	segmentIDs, err := discoverSegments(dir)
	if err != nil {
		return nil, err
	}

	var store *segment.Store
	if len(segmentIDs) == 0 {
		store, err = segment.Open(segOpener, cfg.MaxSegmentSize, logger)
	} else {
		store, err = segment.OpenExisting(segOpener, segmentIDs, cfg.MaxSegmentSize, logger)
	}
	if err != nil {
		return nil, err
	}

	it, err := wal.NewIterator(walBackend)
	if err != nil {
		return nil, err
	}
	maxSeq, maxTxID, err := replayWAL(it, store)
	if err != nil {
		return nil, err
	}

	startSeq := maxSeq
	if man.LastCheckpoint != nil && uint64(*man.LastCheckpoint) > startSeq {
		startSeq = uint64(*man.LastCheckpoint)
	}

	startTxID := maxTxID
	if man.LastTransactionID != nil && uint64(*man.LastTransactionID) > startTxID {
		startTxID = uint64(*man.LastTransactionID)
	}

	walOpts := wal.DefaultOptions()
	walOpts.SyncPolicy = cfg.syncPolicy()
	walWriter := wal.NewWriter(walBackend, walOpts)

	feed := changefeed.New()
	txnMgr := txn.NewManager(walWriter, store, feed, startSeq, startTxID, cfg.OptimisticConflictCheck, logger)

	db := &Database{
		dir:        dir,
		cfg:        cfg,
		lock:       lock,
		man:        man,
		walBackend: walBackend,
		walWriter:  walWriter,
		store:      store,
		segOpener:  segOpener,
		txnMgr:     txnMgr,
		feed:       feed,
		logger:     logger,
	}

	logger.Info().Uint64("resumed_sequence", startSeq).Int("segments", len(store.SegmentIDs())).Msg("database opened")

	db.startCheckpointLoop()
	return db, nil
}

// OpenInMemory returns an ephemeral database backed entirely by
// in-memory backends. Nothing survives process exit.
func OpenInMemory(cfg Config) (*Database, error) {
	logger := entidblog.New(cfg.Log)

	rawWAL := backend.NewMemory()
	walBackend, err := wrapEncrypted(rawWAL, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	segOpener := func(id int) (backend.Backend, error) {
		return wrapEncrypted(backend.NewMemory(), cfg.EncryptionKey)
	}

	store, err := segment.Open(segOpener, cfg.MaxSegmentSize, logger)
	if err != nil {
		return nil, err
	}

	walOpts := wal.DefaultOptions()
	walOpts.SyncPolicy = cfg.syncPolicy()
	walWriter := wal.NewWriter(walBackend, walOpts)

	feed := changefeed.New()
	txnMgr := txn.NewManager(walWriter, store, feed, 0, 0, cfg.OptimisticConflictCheck, logger)

	return &Database{
		cfg:        cfg,
		man:        manifest.New(cfg.FormatMajor, cfg.FormatMinor),
		walBackend: walBackend,
		walWriter:  walWriter,
		store:      store,
		segOpener:  segOpener,
		txnMgr:     txnMgr,
		feed:       feed,
		logger:     logger,
	}, nil
}

func wrapEncrypted(b backend.Backend, key []byte) (backend.Backend, error) {
	if key == nil {
		return b, nil
	}
	return backend.NewAEAD(b, key)
}

func fileSegmentOpener(dir string, encryptionKey []byte) segment.Opener {
	return func(id int) (backend.Backend, error) {
		path := filepath.Join(dir, fmt.Sprintf(segmentFilePattern, id))
		b, err := backend.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return wrapEncrypted(b, encryptionKey)
	}
}

func discoverSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &dberrors.IoError{Op: "list database directory", Err: err}
	}

	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentFilePrefix) || !strings.HasSuffix(name, segmentFileSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentFilePrefix), segmentFileSuffix)
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// startCheckpointLoop launches the background checkpoint goroutine
// when Config.CheckpointInterval is non-zero. In-memory databases have
// no manifest to persist, so this is a no-op when dir is empty.
func (db *Database) startCheckpointLoop() {
	if db.dir == "" || db.cfg.CheckpointInterval <= 0 {
		return
	}
	db.checkpointDone = make(chan struct{})
	ticker := time.NewTicker(db.cfg.CheckpointInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := db.Checkpoint(); err != nil {
					db.logger.Warn().Err(err).Msg("background checkpoint failed")
				}
			case <-db.checkpointDone:
				return
			}
		}
	}()
}

// Close flushes a final checkpoint (for durable databases), closes the
// WAL and segment backends, and releases the directory lock.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.checkpointDone != nil {
		close(db.checkpointDone)
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if db.dir != "" {
		record(db.checkpointLocked())
	}
	record(db.walWriter.Close())
	record(db.walBackend.Close())
	record(db.store.Close())
	if db.lock != nil {
		record(db.lock.Release())
	}

	return firstErr
}

// Collection returns name's collection id, registering it in the
// manifest (and persisting that registration immediately) if it has
// not been seen before.
func (db *Database) Collection(name string) (entity.CollectionID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if id, ok := db.man.GetCollection(name); ok {
		return id, nil
	}
	id := db.man.GetOrCreateCollection(name)
	if db.dir != "" {
		if err := manifest.Save(db.dir, db.man); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Begin starts a new transaction.
func (db *Database) Begin() *txn.Transaction { return db.txnMgr.Begin() }

// Commit runs the full commit protocol for tx (spec §4.4), then
// triggers a checkpoint if the WAL has grown past Config.MaxWALSize.
func (db *Database) Commit(tx *txn.Transaction) error {
	// Held across the whole commit so a checkpoint's WAL truncation can
	// never land between this commit's WAL records.
	db.mu.Lock()
	err := db.txnMgr.Commit(tx)
	db.mu.Unlock()
	if err != nil {
		return err
	}
	return db.maybeCheckpointForWALSize()
}

// maybeCheckpointForWALSize runs a checkpoint (which durably truncates
// the WAL) once it has grown past Config.MaxWALSize. A zero MaxWALSize
// disables this entirely, leaving checkpointing to CheckpointInterval
// or an explicit Checkpoint call.
func (db *Database) maybeCheckpointForWALSize() error {
	if db.cfg.MaxWALSize == 0 {
		return nil
	}
	size, err := db.walBackend.Size()
	if err != nil {
		return err
	}
	if size < db.cfg.MaxWALSize {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	return db.checkpointLocked()
}

// Abort discards tx's staged writes.
func (db *Database) Abort(tx *txn.Transaction) error { return db.txnMgr.Abort(tx) }

// Transaction runs fn against a fresh transaction, committing on a nil
// return and aborting otherwise.
func (db *Database) Transaction(fn func(tx *txn.Transaction) error) error {
	tx := db.Begin()
	if err := fn(tx); err != nil {
		if abortErr := db.Abort(tx); abortErr != nil {
			return abortErr
		}
		return err
	}
	return db.Commit(tx)
}

// Get returns the current value for (collectionID, id) outside of any
// explicit transaction.
func (db *Database) Get(collectionID entity.CollectionID, id entity.ID) ([]byte, bool, error) {
	rec, ok, err := db.store.Get(collectionID, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.Value, true, nil
}

// List returns every live entity id in collectionID. Order is unspecified.
func (db *Database) List(collectionID entity.CollectionID) ([]entity.ID, error) {
	var ids []entity.ID
	err := db.store.IterateCollection(collectionID, func(id entity.ID, rec *segment.Record) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Count returns the number of live entities in collectionID.
func (db *Database) Count(collectionID entity.CollectionID) int {
	return db.store.Count(collectionID)
}

// Checkpoint records the current sequence and transaction id as the
// manifest's last checkpoint, persists the manifest atomically, and
// then truncates the WAL to empty. A no-op beyond the WAL truncation
// for in-memory databases, since there is no manifest file to write.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.checkpointLocked()
}

func (db *Database) checkpointLocked() error {
	seq := db.txnMgr.CurrentSequence()
	txID := db.txnMgr.CurrentTransactionID()

	if _, err := db.walWriter.WriteRecord(&wal.Record{Type: wal.RecordCheckpoint, Sequence: seq}); err != nil {
		return err
	}
	if err := db.walWriter.Sync(); err != nil {
		return err
	}

	db.man.LastCheckpoint = &seq
	db.man.LastTransactionID = &txID
	if db.dir != "" {
		if err := manifest.Save(db.dir, db.man); err != nil {
			return err
		}
	}

	// Every write committed up to seq already lives in the segment
	// store — Manager.Commit appends to it before returning — so once
	// the checkpoint itself is durable (or there is nothing to persist,
	// for an in-memory database) the WAL holds nothing replay would
	// still need. Truncating keeps it from growing without bound
	// between checkpoints (spec §4.6).
	return db.walWriter.Truncate(0)
}

// Subscribe returns a channel of change-feed events (spec §4.5).
func (db *Database) Subscribe() <-chan changefeed.Event { return db.feed.Subscribe() }

// Poll returns up to limit events after cursor, for consumers that
// prefer polling over a subscription channel.
func (db *Database) Poll(cursor entity.Sequence, limit int) []changefeed.Event {
	return db.feed.Poll(cursor, limit)
}

// Compact rewrites a single sealed segment, dropping tombstones and
// superseded versions. Compaction is always explicit (spec §9 Open
// Question (b)); nothing in Database triggers it automatically.
func (db *Database) Compact(segmentID int) (int64, error) {
	return db.store.Compact(segmentID, db.segOpener)
}

// CompactAll compacts every sealed (non-active) segment and returns
// the total bytes reclaimed.
func (db *Database) CompactAll() (int64, error) {
	ids := db.store.SegmentIDs()
	if len(ids) == 0 {
		return 0, nil
	}
	activeID := ids[len(ids)-1]

	var total int64
	for _, id := range ids {
		if id == activeID {
			continue
		}
		n, err := db.Compact(id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Backup writes every live record across every known collection to w
// (spec §6.3). Tombstones are not captured: entries are gathered with
// IterateCollection, which skips tombstoned keys, so opts.IncludeTombstones
// has no effect on a backup taken here.
func (db *Database) Backup(w io.Writer, opts backup.Options) error {
	db.mu.Lock()
	collections := make(map[string]entity.CollectionID, len(db.man.Collections))
	for name, id := range db.man.Collections {
		collections[name] = id
	}
	db.mu.Unlock()

	var entries []backup.Entry
	for _, collID := range collections {
		err := db.store.IterateCollection(collID, func(id entity.ID, rec *segment.Record) error {
			entries = append(entries, backup.Entry{
				CollectionID: collID,
				EntityID:     id,
				Sequence:     rec.Sequence,
				Value:        rec.Value,
			})
			return nil
		})
		if err != nil {
			return err
		}
	}

	header := backup.Header{
		TimestampMillis:  time.Now().UnixMilli(),
		SequenceAtBackup: db.txnMgr.CurrentSequence(),
	}
	return backup.Write(w, header, entries, opts)
}

// Restore replays a backup blob through the normal commit path,
// entry-by-entry in the order Read returns them (sequence order, since
// Write sorts before writing).
func (db *Database) Restore(r io.Reader) error {
	_, entries, err := backup.Read(r)
	if err != nil {
		return err
	}

	for _, e := range entries {
		err := db.Transaction(func(tx *txn.Transaction) error {
			if e.Tombstone {
				return tx.Delete(e.CollectionID, e.EntityID)
			}
			return tx.Put(e.CollectionID, e.EntityID, e.Value)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateBackup checks a backup blob's framing and declared record
// count without applying it to any database.
func ValidateBackup(r io.Reader) error {
	header, entries, err := backup.Read(r)
	if err != nil {
		return err
	}
	if uint64(len(entries)) > header.RecordCount {
		return &dberrors.InvalidFormatError{Message: "backup declares fewer records than it contains"}
	}
	return nil
}
