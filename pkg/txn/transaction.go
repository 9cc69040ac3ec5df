package txn

import (
	"sync"

	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/entidb/entidb/pkg/segment"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type pendingWrite struct {
	value     []byte
	tombstone bool
}

// writeKey identifies one staged write, in the order Put/Delete first
// staged it.
type writeKey struct {
	collectionID entity.CollectionID
	entityID     entity.ID
}

// Transaction buffers writes locally until Commit, at which point the
// Manager's single-writer commit protocol applies them all atomically.
// Reads see the transaction's own pending writes layered over the
// store's last-committed state.
type Transaction struct {
	mu          sync.Mutex
	id          entity.TransactionID
	snapshotSeq entity.Sequence
	state       State
	mgr         *Manager

	writes     map[entity.CollectionID]map[entity.ID]pendingWrite
	writeOrder []writeKey
	reads      map[entity.CollectionID]map[entity.ID]segment.Location
}

// ID returns the transaction's identifier.
func (tx *Transaction) ID() entity.TransactionID { return tx.id }

// SnapshotSequence returns the sequence number in effect when the
// transaction began.
func (tx *Transaction) SnapshotSequence() entity.Sequence { return tx.snapshotSeq }

// State returns the transaction's current lifecycle stage.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Put stages an insert or update of (collectionID, id). The write is
// invisible to other transactions until Commit succeeds.
func (tx *Transaction) Put(collectionID entity.CollectionID, id entity.ID, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return &dberrors.InvalidOperationError{Message: "transaction is not active"}
	}

	byColl, ok := tx.writes[collectionID]
	if !ok {
		byColl = make(map[entity.ID]pendingWrite)
		tx.writes[collectionID] = byColl
	}
	if _, exists := byColl[id]; !exists {
		tx.writeOrder = append(tx.writeOrder, writeKey{collectionID, id})
	}
	byColl[id] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

// Delete stages a tombstone for (collectionID, id).
func (tx *Transaction) Delete(collectionID entity.CollectionID, id entity.ID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return &dberrors.InvalidOperationError{Message: "transaction is not active"}
	}

	byColl, ok := tx.writes[collectionID]
	if !ok {
		byColl = make(map[entity.ID]pendingWrite)
		tx.writes[collectionID] = byColl
	}
	if _, exists := byColl[id]; !exists {
		tx.writeOrder = append(tx.writeOrder, writeKey{collectionID, id})
	}
	byColl[id] = pendingWrite{tombstone: true}
	return nil
}

// Get returns the entity's value, checking this transaction's pending
// writes first and falling back to the last committed state. When the
// manager's optimistic conflict check is enabled, every such fallback
// read that finds a live record is recorded so Commit can detect a
// concurrent write underneath it; reads of absent or deleted keys are
// not recorded.
func (tx *Transaction) Get(collectionID entity.CollectionID, id entity.ID) ([]byte, bool, error) {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil, false, &dberrors.InvalidOperationError{Message: "transaction is not active"}
	}
	if byColl, ok := tx.writes[collectionID]; ok {
		if w, ok := byColl[id]; ok {
			tx.mu.Unlock()
			if w.tombstone {
				return nil, false, nil
			}
			return w.value, true, nil
		}
	}
	tx.mu.Unlock()

	rec, ok, err := tx.mgr.store.Get(collectionID, id)
	if err != nil || !ok {
		return nil, false, err
	}

	if tx.mgr.conflictCheck {
		if loc, ok := tx.mgr.store.Location(collectionID, id); ok {
			tx.mu.Lock()
			byColl, ok := tx.reads[collectionID]
			if !ok {
				byColl = make(map[entity.ID]segment.Location)
				tx.reads[collectionID] = byColl
			}
			byColl[id] = loc
			tx.mu.Unlock()
		}
	}

	return rec.Value, true, nil
}

func (tx *Transaction) snapshotWrites() map[entity.CollectionID]map[entity.ID]pendingWrite {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.writes
}

// snapshotWriteOrder returns the order writes were first staged in,
// for the commit protocol to apply and emit change-feed events in
// write-order (spec §4.5).
func (tx *Transaction) snapshotWriteOrder() []writeKey {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.writeOrder
}

func (tx *Transaction) snapshotReads() map[entity.CollectionID]map[entity.ID]segment.Location {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.reads
}

func (tx *Transaction) setState(s State) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}
