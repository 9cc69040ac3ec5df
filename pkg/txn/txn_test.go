package txn

import (
	"testing"

	"github.com/entidb/entidb/pkg/backend"
	"github.com/entidb/entidb/pkg/changefeed"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/entidb/entidb/pkg/segment"
	"github.com/entidb/entidb/pkg/wal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, conflictCheck bool) *Manager {
	t.Helper()

	walBackend := backend.NewMemory()
	w := wal.NewWriter(walBackend, wal.DefaultOptions())

	backends := map[int]*backend.Memory{}
	store, err := segment.Open(func(id int) (backend.Backend, error) {
		b, ok := backends[id]
		if !ok {
			b = backend.NewMemory()
			backends[id] = b
		}
		return b, nil
	}, segment.DefaultMaxSegmentSize, zerolog.Nop())
	require.NoError(t, err)

	feed := changefeed.New()
	return NewManager(w, store, feed, 0, 0, conflictCheck, zerolog.Nop())
}

func TestCommitAppliesPutAndEmitsEvent(t *testing.T) {
	m := newTestManager(t, false)
	feedCh := m.feed.Subscribe()

	tx := m.Begin()
	id := entity.New()
	require.NoError(t, tx.Put(1, id, []byte("v1")))
	require.NoError(t, m.Commit(tx))

	require.Equal(t, Committed, tx.State())

	val, ok, err := m.store.Get(1, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val.Value))

	ev := <-feedCh
	require.Equal(t, changefeed.Insert, ev.ChangeType)
}

func TestCommitUpdateEmitsUpdateEvent(t *testing.T) {
	m := newTestManager(t, false)
	id := entity.New()

	tx1 := m.Begin()
	require.NoError(t, tx1.Put(1, id, []byte("v1")))
	require.NoError(t, m.Commit(tx1))

	feedCh := m.feed.Subscribe()
	tx2 := m.Begin()
	require.NoError(t, tx2.Put(1, id, []byte("v2")))
	require.NoError(t, m.Commit(tx2))

	ev := <-feedCh
	require.Equal(t, changefeed.Update, ev.ChangeType)
}

func TestCommitDeleteEmitsDeleteEvent(t *testing.T) {
	m := newTestManager(t, false)
	id := entity.New()

	tx1 := m.Begin()
	require.NoError(t, tx1.Put(1, id, []byte("v1")))
	require.NoError(t, m.Commit(tx1))

	tx2 := m.Begin()
	require.NoError(t, tx2.Delete(1, id))
	require.NoError(t, m.Commit(tx2))

	_, ok, err := m.store.Get(1, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadOnlyCommitSkipsWAL(t *testing.T) {
	m := newTestManager(t, false)
	tx := m.Begin()
	_, ok, err := tx.Get(1, entity.New())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Commit(tx))
	require.Equal(t, Committed, tx.State())
}

func TestAbortDiscardsWrites(t *testing.T) {
	m := newTestManager(t, false)
	id := entity.New()

	tx := m.Begin()
	require.NoError(t, tx.Put(1, id, []byte("v1")))
	require.NoError(t, m.Abort(tx))
	require.Equal(t, Aborted, tx.State())

	_, ok, err := m.store.Get(1, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutAfterCommitFails(t *testing.T) {
	m := newTestManager(t, false)
	tx := m.Begin()
	require.NoError(t, m.Commit(tx))

	err := tx.Put(1, entity.New(), []byte("x"))
	require.Error(t, err)
}

func TestTransactionSeesOwnPendingWrite(t *testing.T) {
	m := newTestManager(t, false)
	tx := m.Begin()
	id := entity.New()
	require.NoError(t, tx.Put(1, id, []byte("staged")))

	val, ok, err := tx.Get(1, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "staged", string(val))
}

func TestConflictCheckAbortsOnConcurrentWrite(t *testing.T) {
	m := newTestManager(t, true)
	id := entity.New()

	setup := m.Begin()
	require.NoError(t, setup.Put(1, id, []byte("v1")))
	require.NoError(t, m.Commit(setup))

	tx := m.Begin()
	_, ok, err := tx.Get(1, id) // records the read location for the conflict check
	require.NoError(t, err)
	require.True(t, ok)

	other := m.Begin()
	require.NoError(t, other.Put(1, id, []byte("v2")))
	require.NoError(t, m.Commit(other))

	require.NoError(t, tx.Put(1, entity.New(), []byte("v3")))
	err = m.Commit(tx)
	require.Error(t, err)
	require.Equal(t, Aborted, tx.State())
}

func TestRegistryTracksActiveTransactions(t *testing.T) {
	m := newTestManager(t, false)
	tx1 := m.Begin()
	tx2 := m.Begin()

	require.Equal(t, 2, m.registry.ActiveCount())

	require.NoError(t, m.Commit(tx1))
	require.Equal(t, 1, m.registry.ActiveCount())

	require.NoError(t, m.Abort(tx2))
	require.Equal(t, 0, m.registry.ActiveCount())
}
