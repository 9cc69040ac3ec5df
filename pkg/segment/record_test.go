package segment

import (
	"testing"

	"github.com/entidb/entidb/pkg/entity"
	"github.com/stretchr/testify/require"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		CollectionID: 7,
		EntityID:     entity.New(),
		Flags:        FlagNone,
		Sequence:     42,
		Value:        []byte("some document body"),
	}

	frame, err := rec.Encode()
	require.NoError(t, err)

	header, total, err := DecodeHeader(frame[:HeaderSize])
	require.NoError(t, err)
	require.Equal(t, uint32(len(frame)), total)
	require.Equal(t, rec.CollectionID, header.CollectionID)
	require.Equal(t, rec.EntityID, header.EntityID)
	require.Equal(t, rec.Sequence, header.Sequence)

	payload, err := VerifyAndExtractPayload(frame)
	require.NoError(t, err)
	require.Equal(t, rec.Value, payload)
}

func TestRecordChecksumMismatch(t *testing.T) {
	rec := &Record{CollectionID: 1, EntityID: entity.New(), Sequence: 1, Value: []byte("x")}
	frame, err := rec.Encode()
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xFF

	_, err = VerifyAndExtractPayload(frame)
	require.Error(t, err)
}

func TestRecordFlagsTombstone(t *testing.T) {
	require.True(t, FlagTombstone.Tombstone())
	require.False(t, FlagNone.Tombstone())
	require.True(t, (FlagTombstone | FlagEncrypted).Encrypted())
}
