package wal

import (
	"encoding/binary"
	"io"

	"github.com/entidb/entidb/pkg/backend"
	"github.com/entidb/entidb/pkg/dberrors"
)

// Iterator reads records sequentially from a backend.Backend, the way
// the teacher's WALReader streams WALEntry values from a file — except
// an Iterator must also classify every truncation it hits as either
// tolerated (a crash mid-write, recoverable by stopping here) or fatal
// (corruption, which must abort recovery).
//
// Exactly two truncations are tolerated (spec §4.2):
//   - the header itself is incomplete (fewer than HeaderSize bytes remain)
//   - the payload+trailer is incomplete (declared length exceeds what remains)
//
// Everything else — bad magic, unsupported version, an unknown record
// type, or a checksum mismatch — is fatal.
type Iterator struct {
	backend backend.Backend
	offset  uint64
	size    uint64
}

// NewIterator snapshots the backend's current size and starts reading
// from offset 0.
func NewIterator(b backend.Backend) (*Iterator, error) {
	size, err := b.Size()
	if err != nil {
		return nil, err
	}
	return &Iterator{backend: b, size: size}, nil
}

// Offset returns the byte offset the next ReadNext call will start from.
func (it *Iterator) Offset() uint64 { return it.offset }

// ReadNext returns the next record, or io.EOF once the log is
// exhausted (cleanly, or via a tolerated truncation).
func (it *Iterator) ReadNext() (*Record, error) {
	remaining := it.size - it.offset
	if remaining == 0 {
		return nil, io.EOF
	}
	if remaining < HeaderSize {
		return nil, io.EOF
	}

	header, err := it.backend.ReadAt(it.offset, HeaderSize)
	if err != nil {
		return nil, err
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != Magic {
		return nil, &dberrors.WalCorruptionError{Message: "invalid frame magic"}
	}

	version := binary.BigEndian.Uint16(header[4:6])
	if version != Version {
		return nil, &dberrors.WalCorruptionError{Message: "unsupported frame version"}
	}

	recType := RecordType(header[6])
	payloadLen := binary.BigEndian.Uint32(header[7:11])
	if payloadLen > MaxPayloadSize {
		return nil, &dberrors.InvalidFormatError{Message: "frame declares oversized payload"}
	}

	frameSize := uint64(HeaderSize) + uint64(payloadLen) + uint64(TrailerSize)
	if remaining < frameSize {
		return nil, io.EOF
	}

	rest, err := it.backend.ReadAt(it.offset+HeaderSize, int(payloadLen)+TrailerSize)
	if err != nil {
		return nil, err
	}
	payload := rest[:payloadLen]
	wantSum := binary.BigEndian.Uint32(rest[payloadLen:])

	full := make([]byte, HeaderSize+len(payload))
	copy(full, header)
	copy(full[HeaderSize:], payload)

	if !ValidateChecksum(full, wantSum) {
		return nil, &dberrors.ChecksumMismatchError{Expected: wantSum, Actual: Checksum(full)}
	}

	rec := &Record{Type: recType}
	if err := decodePayload(rec, payload); err != nil {
		return nil, err
	}

	it.offset += frameSize
	return rec, nil
}
