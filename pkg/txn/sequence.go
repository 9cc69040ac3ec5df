// Package txn implements the transaction manager: monotonic sequence
// and transaction id counters, the commit protocol that chains the
// WAL, segment store, and change feed together, and an optional
// optimistic conflict check (spec §4.4). Reads inside a transaction
// see its own pending writes over the latest committed state; the
// snapshot sequence captured at Begin is recorded but not used to
// filter reads.
package txn

import "sync/atomic"

// Tracker hands out a monotonically increasing counter. Ported from
// the teacher's LSNTracker: a single atomic uint64 is sufficient
// because EntiDB serializes commits behind one writer.
type Tracker struct {
	current uint64
}

// NewTracker returns a Tracker starting at start (the next Next() call
// returns start+1).
func NewTracker(start uint64) *Tracker {
	return &Tracker{current: start}
}

// Next atomically increments and returns the counter.
func (t *Tracker) Next() uint64 {
	return atomic.AddUint64(&t.current, 1)
}

// Current returns the counter without incrementing it.
func (t *Tracker) Current() uint64 {
	return atomic.LoadUint64(&t.current)
}

// Set overwrites the counter. Recovery does not call it: it passes the
// resumed value to NewTracker instead.
func (t *Tracker) Set(val uint64) {
	atomic.StoreUint64(&t.current, val)
}
