package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDCompareBytewise(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestIDRoundTrip(t *testing.T) {
	id := New()
	got := FromBytes(id.Bytes())
	require.Equal(t, id, got)
}

func TestSequenceNext(t *testing.T) {
	s := Sequence(5)
	require.Equal(t, Sequence(6), s.Next())
}

func TestCollectionIDString(t *testing.T) {
	require.Equal(t, "col:42", CollectionID(42).String())
}

func TestTransactionIDString(t *testing.T) {
	require.Equal(t, "txn:7", TransactionID(7).String())
}
