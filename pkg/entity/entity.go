// Package entity defines EntiDB's core identifier and ordering types:
// entity identifiers, collection identifiers, sequence numbers, and
// transaction identifiers (spec §3).
package entity

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit opaque entity identifier. Ordering and equality are
// bytewise, matching spec §3 exactly.
type ID [16]byte

// New generates a fresh entity ID (UUIDv4 in practice, per spec §3).
func New() ID {
	return ID(uuid.New())
}

// FromBytes interprets a 16-byte slice as an ID without copying semantics
// surprises: the caller's slice is copied into the returned array.
func FromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// Bytes returns the 16-byte representation.
func (id ID) Bytes() []byte { return id[:] }

// Compare returns -1, 0, or 1 using bytewise ordering.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// CollectionID is a 32-bit identifier assigned monotonically by the
// manifest the first time a collection name is used. IDs are never reused.
type CollectionID uint32

func (c CollectionID) String() string { return fmt.Sprintf("col:%d", uint32(c)) }

// Sequence totally orders commits. Every COMMIT assigns exactly one
// sequence number; all writes within that commit share it.
type Sequence uint64

// Next returns the next sequence number.
func (s Sequence) Next() Sequence { return s + 1 }

func (s Sequence) String() string { return fmt.Sprintf("seq:%d", uint64(s)) }

// TransactionID identifies a transaction between BEGIN and COMMIT/ABORT
// in the WAL. Distinct counter space from Sequence.
type TransactionID uint64

func (t TransactionID) String() string { return fmt.Sprintf("txn:%d", uint64(t)) }
