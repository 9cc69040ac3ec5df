package wal

import (
	"io"
	"testing"

	"github.com/entidb/entidb/pkg/backend"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/stretchr/testify/require"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Record{
		{Type: RecordBegin, TransactionID: 7},
		{Type: RecordPut, CollectionID: 3, EntityID: entity.New(), Sequence: 9, Value: []byte("hello")},
		{Type: RecordDelete, CollectionID: 3, EntityID: entity.New(), Sequence: 10},
		{Type: RecordCommit, TransactionID: 7, Sequence: 10},
		{Type: RecordAbort, TransactionID: 8},
		{Type: RecordCheckpoint, Sequence: 10},
	}

	for _, want := range cases {
		frame, err := want.Encode()
		require.NoError(t, err)

		b := backend.NewMemory()
		_, err = b.Append(frame)
		require.NoError(t, err)

		it, err := NewIterator(b)
		require.NoError(t, err)

		got, err := it.ReadNext()
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.TransactionID, got.TransactionID)
		require.Equal(t, want.CollectionID, got.CollectionID)
		require.Equal(t, want.EntityID, got.EntityID)
		require.Equal(t, want.Sequence, got.Sequence)
		require.Equal(t, want.Value, got.Value)

		_, err = it.ReadNext()
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestWriterAndIteratorMultipleRecords(t *testing.T) {
	b := backend.NewMemory()
	w := NewWriter(b, DefaultOptions())

	records := []*Record{
		{Type: RecordBegin, TransactionID: 1},
		{Type: RecordPut, CollectionID: 1, EntityID: entity.New(), Sequence: 1, Value: []byte("v1")},
		{Type: RecordCommit, TransactionID: 1, Sequence: 1},
	}
	for _, r := range records {
		_, err := w.WriteRecord(r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	it, err := NewIterator(b)
	require.NoError(t, err)

	for _, want := range records {
		got, err := it.ReadNext()
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
	}
	_, err = it.ReadNext()
	require.ErrorIs(t, err, io.EOF)
}

func TestIteratorToleratesTruncatedHeader(t *testing.T) {
	b := backend.NewMemory()
	_, err := b.Append([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	it, err := NewIterator(b)
	require.NoError(t, err)

	_, err = it.ReadNext()
	require.ErrorIs(t, err, io.EOF)
}

func TestIteratorToleratesTruncatedPayload(t *testing.T) {
	rec := &Record{Type: RecordPut, CollectionID: 1, EntityID: entity.New(), Sequence: 1, Value: []byte("longvalue")}
	frame, err := rec.Encode()
	require.NoError(t, err)

	b := backend.NewMemory()
	_, err = b.Append(frame[:len(frame)-5])
	require.NoError(t, err)

	it, err := NewIterator(b)
	require.NoError(t, err)

	_, err = it.ReadNext()
	require.ErrorIs(t, err, io.EOF)
}

func TestIteratorRejectsBadMagic(t *testing.T) {
	rec := &Record{Type: RecordBegin, TransactionID: 1}
	frame, err := rec.Encode()
	require.NoError(t, err)
	frame[0] ^= 0xFF

	b := backend.NewMemory()
	_, err = b.Append(frame)
	require.NoError(t, err)

	it, err := NewIterator(b)
	require.NoError(t, err)

	_, err = it.ReadNext()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestIteratorRejectsChecksumMismatch(t *testing.T) {
	rec := &Record{Type: RecordBegin, TransactionID: 1}
	frame, err := rec.Encode()
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	b := backend.NewMemory()
	_, err = b.Append(frame)
	require.NoError(t, err)

	it, err := NewIterator(b)
	require.NoError(t, err)

	_, err = it.ReadNext()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestWriterSyncEveryWrite(t *testing.T) {
	b := backend.NewMemory()
	opts := DefaultOptions()
	opts.SyncPolicy = SyncEveryWrite
	w := NewWriter(b, opts)

	_, err := w.WriteRecord(&Record{Type: RecordBegin, TransactionID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
