package entidb

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/entidb/entidb/pkg/backup"
	"github.com/entidb/entidb/pkg/changefeed"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/entidb/entidb/pkg/txn"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestOpenInMemoryPutGetDelete(t *testing.T) {
	db, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	users, err := db.Collection("users")
	require.NoError(t, err)

	id := entity.New()
	require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
		return tx.Put(users, id, []byte("alice"))
	}))

	val, ok, err := db.Get(users, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", string(val))

	require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
		return tx.Delete(users, id)
	}))

	_, ok, err = db.Get(users, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionAbortsOnError(t *testing.T) {
	db, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	users, err := db.Collection("users")
	require.NoError(t, err)
	id := entity.New()

	boom := require.New(t)
	err = db.Transaction(func(tx *txn.Transaction) error {
		_ = tx.Put(users, id, []byte("partial"))
		return errBoom
	})
	boom.Error(err)

	_, ok, err := db.Get(users, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCommitEmitsChangeFeedEvent(t *testing.T) {
	db, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	ch := db.Subscribe()
	users, err := db.Collection("users")
	require.NoError(t, err)
	id := entity.New()

	require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
		return tx.Put(users, id, []byte("bob"))
	}))

	ev := <-ch
	require.Equal(t, changefeed.Insert, ev.ChangeType)
	require.Equal(t, id, ev.EntityID)
}

func TestListAndCount(t *testing.T) {
	db, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	users, err := db.Collection("users")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id := entity.New()
		require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
			return tx.Put(users, id, []byte("x"))
		}))
	}

	require.Equal(t, 5, db.Count(users))
	ids, err := db.List(users)
	require.NoError(t, err)
	require.Len(t, ids, 5)
}

func TestCheckpointPersistsManifestOnDisk(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultConfig())
	require.NoError(t, err)

	_, err = db.Collection("users")
	require.NoError(t, err)
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	require.FileExists(t, filepath.Join(dir, "MANIFEST"))
}

func TestOpenRecoversCommittedDataAfterClose(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	db, err := Open(dir, cfg)
	require.NoError(t, err)

	users, err := db.Collection("users")
	require.NoError(t, err)
	id := entity.New()
	require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
		return tx.Put(users, id, []byte("persisted"))
	}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	usersAgain, err := reopened.Collection("users")
	require.NoError(t, err)
	require.Equal(t, users, usersAgain)

	val, ok, err := reopened.Get(users, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(val))
}

func TestOpenRejectsMissingDirWithoutCreateIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	cfg := DefaultConfig().WithCreateIfMissing(false)

	_, err := Open(dir, cfg)
	require.Error(t, err)
}

func TestSecondOpenOfSameDirIsLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(dir, DefaultConfig())
	require.Error(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer src.Close()

	users, err := src.Collection("users")
	require.NoError(t, err)
	id := entity.New()
	require.NoError(t, src.Transaction(func(tx *txn.Transaction) error {
		return tx.Put(users, id, []byte("backed-up"))
	}))

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf, backup.Options{}))

	dst, err := OpenInMemory(DefaultConfig())
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, dst.Restore(bytes.NewReader(buf.Bytes())))

	val, ok, err := dst.Get(users, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "backed-up", string(val))
}

func TestValidateBackupRejectsGarbage(t *testing.T) {
	err := ValidateBackup(bytes.NewReader([]byte("not a backup")))
	require.Error(t, err)
}

func TestCompactAllKeepsLiveRecords(t *testing.T) {
	db, err := OpenInMemory(DefaultConfig().WithMaxSegmentSize(256))
	require.NoError(t, err)
	defer db.Close()

	users, err := db.Collection("users")
	require.NoError(t, err)

	var lastID entity.ID
	for i := 0; i < 20; i++ {
		lastID = entity.New()
		require.NoError(t, db.Transaction(func(tx *txn.Transaction) error {
			return tx.Put(users, lastID, []byte("payload-for-rotation"))
		}))
	}

	reclaimed, err := db.CompactAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, reclaimed, int64(0))

	_, ok, err := db.Get(users, lastID)
	require.NoError(t, err)
	require.True(t, ok)
}
