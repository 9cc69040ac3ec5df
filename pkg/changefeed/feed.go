// Package changefeed distributes committed operations to subscribers
// (spec §4.5). Ported from the Rust original's entidb_core::change_feed:
// parking_lot::RwLock becomes sync.RWMutex, and each mpsc::Sender
// becomes a buffered Go channel that is dropped from the subscriber
// list the first time a send would block, exactly like the original's
// "retain only senders whose send succeeds" cleanup.
package changefeed

import (
	"sync"

	"github.com/entidb/entidb/pkg/entity"
)

// ChangeType classifies an Event.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a single committed change.
type Event struct {
	Sequence     entity.Sequence
	CollectionID entity.CollectionID
	EntityID     entity.ID
	ChangeType   ChangeType
	Payload      []byte // nil for Delete
}

// DefaultSubscriberBuffer bounds how far behind a subscriber may fall
// before its channel fills and it is dropped on the next emit.
const DefaultSubscriberBuffer = 256

// DefaultMaxHistory mirrors the original's 10,000-event default.
const DefaultMaxHistory = 10000

// Feed distributes committed operations to subscribers and retains a
// bounded history for Poll-based catch-up.
type Feed struct {
	mu          sync.RWMutex
	subscribers []chan Event
	history     []Event
	maxHistory  int
}

// New returns a Feed with the default history size.
func New() *Feed {
	return WithMaxHistory(DefaultMaxHistory)
}

// WithMaxHistory returns a Feed retaining at most maxHistory events.
func WithMaxHistory(maxHistory int) *Feed {
	return &Feed{maxHistory: maxHistory}
}

// Subscribe returns a channel that receives all future events. The
// subscriber must keep draining it; a full buffer causes the
// subscriber to be dropped on the next Emit.
func (f *Feed) Subscribe() <-chan Event {
	ch := make(chan Event, DefaultSubscriberBuffer)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

// Emit appends event to history and delivers it to every subscriber
// whose buffer has room, dropping (and closing) any that don't.
func (f *Feed) Emit(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history = append(f.history, event)
	if len(f.history) > f.maxHistory {
		drop := len(f.history) - f.maxHistory
		f.history = f.history[drop:]
	}

	live := f.subscribers[:0]
	for _, ch := range f.subscribers {
		select {
		case ch <- event:
			live = append(live, ch)
		default:
			close(ch)
		}
	}
	f.subscribers = live
}

// EmitBatch emits every event from a single commit, in order.
func (f *Feed) EmitBatch(events []Event) {
	for _, e := range events {
		f.Emit(e)
	}
}

// Poll returns history events with Sequence > cursor, up to limit.
func (f *Feed) Poll(cursor entity.Sequence, limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, 0, limit)
	for _, e := range f.history {
		if e.Sequence <= cursor {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// LatestSequence returns the sequence of the most recent history
// entry, or 0 if history is empty.
func (f *Feed) LatestSequence() entity.Sequence {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.history) == 0 {
		return 0
	}
	return f.history[len(f.history)-1].Sequence
}

// SubscriberCount returns the number of currently live subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// HistoryLen returns the number of retained history events.
func (f *Feed) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}

// TruncateHistory drops every history entry with Sequence <= cursor,
// so later Polls no longer return them.
func (f *Feed) TruncateHistory(cursor entity.Sequence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := 0
	for i < len(f.history) && f.history[i].Sequence <= cursor {
		i++
	}
	f.history = f.history[i:]
}
