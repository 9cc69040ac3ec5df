package changefeed

import (
	"testing"

	"github.com/entidb/entidb/pkg/entity"
	"github.com/stretchr/testify/require"
)

func TestFeedSubscribeAndEmit(t *testing.T) {
	f := New()
	ch := f.Subscribe()

	ev := Event{Sequence: 1, CollectionID: 1, EntityID: entity.New(), ChangeType: Insert, Payload: []byte("x")}
	f.Emit(ev)

	got := <-ch
	require.Equal(t, ev, got)
	require.Equal(t, 1, f.SubscriberCount())
}

func TestFeedDropsSlowSubscriber(t *testing.T) {
	f := New()
	f.Subscribe() // never drained

	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		f.Emit(Event{Sequence: entity.Sequence(i + 1), CollectionID: 1, EntityID: entity.New(), ChangeType: Insert})
	}

	require.Equal(t, 0, f.SubscriberCount())
}

func TestFeedPollReturnsEventsAfterCursor(t *testing.T) {
	f := New()
	for i := 1; i <= 5; i++ {
		f.Emit(Event{Sequence: entity.Sequence(i), CollectionID: 1, EntityID: entity.New(), ChangeType: Insert})
	}

	events := f.Poll(2, 10)
	require.Len(t, events, 3)
	require.Equal(t, entity.Sequence(3), events[0].Sequence)
}

func TestFeedPollRespectsLimit(t *testing.T) {
	f := New()
	for i := 1; i <= 5; i++ {
		f.Emit(Event{Sequence: entity.Sequence(i), CollectionID: 1, EntityID: entity.New()})
	}

	events := f.Poll(0, 2)
	require.Len(t, events, 2)
}

func TestFeedHistoryBounded(t *testing.T) {
	f := WithMaxHistory(3)
	for i := 1; i <= 10; i++ {
		f.Emit(Event{Sequence: entity.Sequence(i), CollectionID: 1, EntityID: entity.New()})
	}

	require.Equal(t, 3, f.HistoryLen())
	require.Equal(t, entity.Sequence(10), f.LatestSequence())
}

func TestFeedTruncateHistory(t *testing.T) {
	f := New()
	for i := 1; i <= 5; i++ {
		f.Emit(Event{Sequence: entity.Sequence(i), CollectionID: 1, EntityID: entity.New()})
	}

	f.TruncateHistory(3)
	require.Equal(t, 2, f.HistoryLen())
}

func TestFeedEmitBatchPreservesOrder(t *testing.T) {
	f := New()
	ch := f.Subscribe()

	events := []Event{
		{Sequence: 1, CollectionID: 1, EntityID: entity.New()},
		{Sequence: 2, CollectionID: 1, EntityID: entity.New()},
	}
	f.EmitBatch(events)

	for _, want := range events {
		got := <-ch
		require.Equal(t, want.Sequence, got.Sequence)
	}
}
