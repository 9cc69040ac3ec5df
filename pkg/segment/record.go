// Package segment implements the append-only segment store that holds
// entity bodies once a transaction commits (spec §4.3). It is the
// successor to the teacher's pkg/heap: the same multi-segment,
// rotate-on-size design, retargeted from a raw-document heap keyed by
// byte offset to a format keyed by (CollectionID, EntityID) with an
// explicit tombstone flag instead of lazy in-place deletion.
package segment

import (
	"encoding/binary"

	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/entidb/entidb/pkg/wal"
)

// RecordFlags is a bitset of per-record properties.
type RecordFlags uint8

const (
	FlagNone      RecordFlags = 0
	FlagTombstone RecordFlags = 1 << 0
	FlagEncrypted RecordFlags = 1 << 1
)

func (f RecordFlags) Tombstone() bool { return f&FlagTombstone != 0 }
func (f RecordFlags) Encrypted() bool { return f&FlagEncrypted != 0 }

const (
	// HeaderSize is record_len(4) + collection_id(4) + entity_id(16) +
	// flags(1) + sequence(8), everything before the payload.
	HeaderSize = 33

	// TrailerSize is the trailing CRC32.
	TrailerSize = 4

	MaxPayloadSize = 64 * 1024 * 1024
)

// Record is one decoded segment entry.
type Record struct {
	CollectionID entity.CollectionID
	EntityID     entity.ID
	Flags        RecordFlags
	Sequence     entity.Sequence
	Value        []byte
}

// Encode serializes r, including the record_len prefix (covering the
// entire record, itself and the trailing CRC included) and the trailing
// CRC32 checksum. The checksum shares the WAL's algorithm (reflected
// IEEE CRC-32) since both are part of the same on-disk format family.
func (r *Record) Encode() ([]byte, error) {
	if len(r.Value) > MaxPayloadSize {
		return nil, &dberrors.InvalidFormatError{Message: "segment record payload too large"}
	}

	total := HeaderSize + len(r.Value) + TrailerSize
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.CollectionID))
	copy(buf[8:24], r.EntityID[:])
	buf[24] = byte(r.Flags)
	binary.BigEndian.PutUint64(buf[25:33], uint64(r.Sequence))
	copy(buf[HeaderSize:HeaderSize+len(r.Value)], r.Value)

	sum := wal.Checksum(buf[:HeaderSize+len(r.Value)])
	binary.BigEndian.PutUint32(buf[HeaderSize+len(r.Value):], sum)
	return buf, nil
}

// DecodeHeader parses the fixed-size header (everything but the
// payload and trailer) and returns the declared total record length.
func DecodeHeader(header []byte) (r Record, totalLen uint32, err error) {
	if len(header) < HeaderSize {
		return Record{}, 0, &dberrors.SegmentCorruptionError{Message: "truncated segment record header"}
	}

	totalLen = binary.BigEndian.Uint32(header[0:4])
	r.CollectionID = entity.CollectionID(binary.BigEndian.Uint32(header[4:8]))
	r.EntityID = entity.FromBytes(header[8:24])
	r.Flags = RecordFlags(header[24])
	r.Sequence = entity.Sequence(binary.BigEndian.Uint64(header[25:33]))
	return r, totalLen, nil
}

// VerifyAndExtractPayload checks the CRC over a complete record buffer
// (header + payload + trailer, as encoded by Encode) and returns the
// payload.
func VerifyAndExtractPayload(full []byte) ([]byte, error) {
	if len(full) < HeaderSize+TrailerSize {
		return nil, &dberrors.SegmentCorruptionError{Message: "record shorter than header+trailer"}
	}
	payload := full[HeaderSize : len(full)-TrailerSize]
	wantSum := binary.BigEndian.Uint32(full[len(full)-TrailerSize:])
	gotSum := wal.Checksum(full[:len(full)-TrailerSize])
	if wantSum != gotSum {
		return nil, &dberrors.ChecksumMismatchError{Expected: wantSum, Actual: gotSum}
	}
	return payload, nil
}
