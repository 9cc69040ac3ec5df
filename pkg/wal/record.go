// Package wal implements EntiDB's write-ahead log: a sequence of
// length-prefixed, checksummed frames recording BEGIN, PUT, DELETE,
// COMMIT, ABORT, and CHECKPOINT operations (spec §4.2). The log is
// backend-agnostic — it is built on pkg/backend.Backend rather than a
// raw *os.File, so the same code drives an in-memory WAL in tests and
// a durable, optionally encrypted, on-disk WAL in production.
package wal

import (
	"encoding/binary"

	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
)

// RecordType identifies the kind of WAL frame.
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordPut
	RecordDelete
	RecordCommit
	RecordAbort
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordPut:
		return "PUT"
	case RecordDelete:
		return "DELETE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

const (
	// Magic identifies a valid frame header. Spelled out as ASCII
	// "ENTW" (EntiDB Wal) in big-endian.
	Magic uint32 = 0x454e5457

	// Version is the only WAL frame format this package understands.
	// Any other value on disk is a fatal, unrecoverable condition.
	Version uint16 = 1

	// HeaderSize is magic(4) + version(2) + type(1) + length(4).
	HeaderSize = 11

	// TrailerSize is the trailing CRC32 checksum.
	TrailerSize = 4

	// MaxPayloadSize guards against corrupt length fields causing
	// runaway allocation during recovery.
	MaxPayloadSize = 64 * 1024 * 1024
)

// Record is one decoded WAL frame.
type Record struct {
	Type RecordType

	TransactionID entity.TransactionID
	CollectionID  entity.CollectionID
	EntityID      entity.ID
	Sequence      entity.Sequence
	Value         []byte
}

// Encode serializes r into a complete frame: header, payload, CRC32
// trailer. The checksum covers header and payload both.
func (r *Record) Encode() ([]byte, error) {
	payload, err := encodePayload(r)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, &dberrors.InvalidFormatError{Message: "wal record payload too large"}
	}

	frame := make([]byte, HeaderSize+len(payload)+TrailerSize)
	binary.BigEndian.PutUint32(frame[0:4], Magic)
	binary.BigEndian.PutUint16(frame[4:6], Version)
	frame[6] = byte(r.Type)
	binary.BigEndian.PutUint32(frame[7:11], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)

	sum := Checksum(frame[:HeaderSize+len(payload)])
	binary.BigEndian.PutUint32(frame[HeaderSize+len(payload):], sum)
	return frame, nil
}

func encodePayload(r *Record) ([]byte, error) {
	switch r.Type {
	case RecordBegin, RecordAbort:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(r.TransactionID))
		return buf, nil

	case RecordCommit:
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[0:8], uint64(r.TransactionID))
		binary.BigEndian.PutUint64(buf[8:16], uint64(r.Sequence))
		return buf, nil

	case RecordCheckpoint:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(r.Sequence))
		return buf, nil

	case RecordDelete:
		buf := make([]byte, 28)
		binary.BigEndian.PutUint32(buf[0:4], uint32(r.CollectionID))
		copy(buf[4:20], r.EntityID[:])
		binary.BigEndian.PutUint64(buf[20:28], uint64(r.Sequence))
		return buf, nil

	case RecordPut:
		buf := make([]byte, 32+len(r.Value))
		binary.BigEndian.PutUint32(buf[0:4], uint32(r.CollectionID))
		copy(buf[4:20], r.EntityID[:])
		binary.BigEndian.PutUint64(buf[20:28], uint64(r.Sequence))
		binary.BigEndian.PutUint32(buf[28:32], uint32(len(r.Value)))
		copy(buf[32:], r.Value)
		return buf, nil

	default:
		return nil, &dberrors.InvalidFormatError{Message: "unknown wal record type"}
	}
}

// DecodePayload fills r's fields (other than Type) from a raw payload
// previously produced by encodePayload for the same r.Type.
func decodePayload(r *Record, payload []byte) error {
	switch r.Type {
	case RecordBegin, RecordAbort:
		if len(payload) != 8 {
			return &dberrors.WalCorruptionError{Message: "malformed begin/abort payload"}
		}
		r.TransactionID = entity.TransactionID(binary.BigEndian.Uint64(payload))
		return nil

	case RecordCommit:
		if len(payload) != 16 {
			return &dberrors.WalCorruptionError{Message: "malformed commit payload"}
		}
		r.TransactionID = entity.TransactionID(binary.BigEndian.Uint64(payload[0:8]))
		r.Sequence = entity.Sequence(binary.BigEndian.Uint64(payload[8:16]))
		return nil

	case RecordCheckpoint:
		if len(payload) != 8 {
			return &dberrors.WalCorruptionError{Message: "malformed checkpoint payload"}
		}
		r.Sequence = entity.Sequence(binary.BigEndian.Uint64(payload))
		return nil

	case RecordDelete:
		if len(payload) != 28 {
			return &dberrors.WalCorruptionError{Message: "malformed delete payload"}
		}
		r.CollectionID = entity.CollectionID(binary.BigEndian.Uint32(payload[0:4]))
		r.EntityID = entity.FromBytes(payload[4:20])
		r.Sequence = entity.Sequence(binary.BigEndian.Uint64(payload[20:28]))
		return nil

	case RecordPut:
		if len(payload) < 32 {
			return &dberrors.WalCorruptionError{Message: "malformed put payload"}
		}
		r.CollectionID = entity.CollectionID(binary.BigEndian.Uint32(payload[0:4]))
		r.EntityID = entity.FromBytes(payload[4:20])
		r.Sequence = entity.Sequence(binary.BigEndian.Uint64(payload[20:28]))
		valueLen := binary.BigEndian.Uint32(payload[28:32])
		if uint32(len(payload)-32) != valueLen {
			return &dberrors.WalCorruptionError{Message: "put payload length mismatch"}
		}
		r.Value = append([]byte(nil), payload[32:]...)
		return nil

	default:
		return &dberrors.WalCorruptionError{Message: "unknown wal record type"}
	}
}
