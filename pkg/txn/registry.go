package txn

import (
	"math"
	"sync"
)

// Registry tracks active transactions so the caller can compute the
// oldest snapshot any reader might still depend on. Ported from the
// teacher's TransactionRegistry, generalized from an LSN to EntiDB's
// Sequence.
type Registry struct {
	mu        sync.Mutex
	active    map[*Transaction]struct{}
	minActive uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[*Transaction]struct{}),
		minActive: math.MaxUint64,
	}
}

// Register records tx as active, starting from its snapshot sequence.
func (r *Registry) Register(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[tx] = struct{}{}
	if seq := uint64(tx.snapshotSeq); seq < r.minActive {
		r.minActive = seq
	}
}

// Unregister removes tx and recomputes the minimum active snapshot.
func (r *Registry) Unregister(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, tx)

	if len(r.active) == 0 {
		r.minActive = math.MaxUint64
		return
	}

	min := uint64(math.MaxUint64)
	for t := range r.active {
		if seq := uint64(t.snapshotSeq); seq < min {
			min = seq
		}
	}
	r.minActive = min
}

// MinActiveSequence returns the smallest snapshot sequence among
// active transactions, or math.MaxUint64 if none are active. Used to
// decide which tombstoned versions are safe to drop during compaction.
func (r *Registry) MinActiveSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minActive
}

// ActiveCount returns the number of currently active transactions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
