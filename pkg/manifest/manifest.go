// Package manifest implements the database manifest (collection
// registry and last-checkpoint pointer), the directory lock, and the
// atomic-write helper recovery depends on (spec §4.6). Ported from the
// Rust original's entidb_core::manifest, with the same magic bytes and
// field order; byte order is big-endian throughout this Go port for
// consistency with pkg/wal and pkg/segment.
package manifest

import (
	"encoding/binary"

	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
)

// Magic identifies a manifest file.
var Magic = [4]byte{'E', 'M', 'F', 'N'}

// Version is the manifest format version this package writes and the
// newest version it understands when reading.
const Version uint16 = 1

// Manifest is the database's persistent metadata: the collection name
// registry and the sequence/transaction id of the most recent
// checkpoint, if any.
type Manifest struct {
	FormatMajor      uint16
	FormatMinor      uint16
	Collections      map[string]entity.CollectionID
	NextCollectionID entity.CollectionID
	LastCheckpoint   *entity.Sequence

	// LastTransactionID is the highest transaction id assigned as of
	// LastCheckpoint. Recovery needs this in addition to LastCheckpoint
	// because a checkpoint truncates the WAL (spec §4.6): once the log
	// no longer holds the BEGIN/COMMIT records a WAL replay would
	// otherwise derive transaction ids from, this is the only remaining
	// source of truth for resuming numbering without reusing an id.
	LastTransactionID *entity.TransactionID
}

// New returns an empty manifest at the given format version.
func New(formatMajor, formatMinor uint16) *Manifest {
	return &Manifest{
		FormatMajor:      formatMajor,
		FormatMinor:      formatMinor,
		Collections:      make(map[string]entity.CollectionID),
		NextCollectionID: 1,
	}
}

// GetOrCreateCollection returns name's collection ID, assigning and
// registering a new one if name has not been seen before.
func (m *Manifest) GetOrCreateCollection(name string) entity.CollectionID {
	if id, ok := m.Collections[name]; ok {
		return id
	}
	id := m.NextCollectionID
	m.NextCollectionID++
	m.Collections[name] = id
	return id
}

// GetCollection looks up name without creating it.
func (m *Manifest) GetCollection(name string) (entity.CollectionID, bool) {
	id, ok := m.Collections[name]
	return id, ok
}

// Encode serializes the manifest per spec §4.6's layout: magic,
// version, format_major, format_minor, next_collection_id,
// collection_count, repeated (name_len, name, collection_id) entries,
// has_checkpoint, optional checkpoint_sequence, then has_txid and an
// optional last transaction id.
func (m *Manifest) Encode() []byte {
	size := 4 + 2 + 2 + 2 + 4 + 4
	for name := range m.Collections {
		size += 2 + len(name) + 4
	}
	size++ // has_checkpoint
	if m.LastCheckpoint != nil {
		size += 8
	}
	size++ // has_txid
	if m.LastTransactionID != nil {
		size += 8
	}

	buf := make([]byte, size)
	cursor := 0

	copy(buf[cursor:], Magic[:])
	cursor += 4

	binary.BigEndian.PutUint16(buf[cursor:], Version)
	cursor += 2
	binary.BigEndian.PutUint16(buf[cursor:], m.FormatMajor)
	cursor += 2
	binary.BigEndian.PutUint16(buf[cursor:], m.FormatMinor)
	cursor += 2
	binary.BigEndian.PutUint32(buf[cursor:], uint32(m.NextCollectionID))
	cursor += 4
	binary.BigEndian.PutUint32(buf[cursor:], uint32(len(m.Collections)))
	cursor += 4

	for name, id := range m.Collections {
		binary.BigEndian.PutUint16(buf[cursor:], uint16(len(name)))
		cursor += 2
		copy(buf[cursor:], name)
		cursor += len(name)
		binary.BigEndian.PutUint32(buf[cursor:], uint32(id))
		cursor += 4
	}

	if m.LastCheckpoint != nil {
		buf[cursor] = 1
		cursor++
		binary.BigEndian.PutUint64(buf[cursor:], uint64(*m.LastCheckpoint))
		cursor += 8
	} else {
		buf[cursor] = 0
		cursor++
	}

	if m.LastTransactionID != nil {
		buf[cursor] = 1
		cursor++
		binary.BigEndian.PutUint64(buf[cursor:], uint64(*m.LastTransactionID))
		cursor += 8
	} else {
		buf[cursor] = 0
		cursor++
	}

	return buf[:cursor]
}

// Decode parses a manifest previously produced by Encode.
func Decode(data []byte) (*Manifest, error) {
	if len(data) < 4 || string(data[0:4]) != string(Magic[:]) {
		return nil, &dberrors.InvalidFormatError{Message: "invalid manifest magic"}
	}
	cursor := 4

	need := func(n int) error {
		if cursor+n > len(data) {
			return &dberrors.InvalidFormatError{Message: "manifest truncated"}
		}
		return nil
	}

	if err := need(2); err != nil {
		return nil, err
	}
	version := binary.BigEndian.Uint16(data[cursor:])
	cursor += 2
	if version > Version {
		return nil, &dberrors.InvalidFormatError{Message: "unsupported manifest version"}
	}

	if err := need(4); err != nil {
		return nil, err
	}
	m := &Manifest{Collections: make(map[string]entity.CollectionID)}
	m.FormatMajor = binary.BigEndian.Uint16(data[cursor:])
	cursor += 2
	m.FormatMinor = binary.BigEndian.Uint16(data[cursor:])
	cursor += 2

	if err := need(4); err != nil {
		return nil, err
	}
	m.NextCollectionID = entity.CollectionID(binary.BigEndian.Uint32(data[cursor:]))
	cursor += 4

	if err := need(4); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(data[cursor:])
	cursor += 4

	for i := uint32(0); i < count; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		nameLen := int(binary.BigEndian.Uint16(data[cursor:]))
		cursor += 2

		if err := need(nameLen + 4); err != nil {
			return nil, err
		}
		name := string(data[cursor : cursor+nameLen])
		cursor += nameLen
		id := entity.CollectionID(binary.BigEndian.Uint32(data[cursor:]))
		cursor += 4

		m.Collections[name] = id
	}

	if err := need(1); err != nil {
		return nil, err
	}
	hasCheckpoint := data[cursor]
	cursor++

	if hasCheckpoint != 0 {
		if err := need(8); err != nil {
			return nil, err
		}
		seq := entity.Sequence(binary.BigEndian.Uint64(data[cursor:]))
		m.LastCheckpoint = &seq
		cursor += 8
	}

	if err := need(1); err != nil {
		return nil, err
	}
	hasTxID := data[cursor]
	cursor++

	if hasTxID != 0 {
		if err := need(8); err != nil {
			return nil, err
		}
		txID := entity.TransactionID(binary.BigEndian.Uint64(data[cursor:]))
		m.LastTransactionID = &txID
		cursor += 8
	}

	return m, nil
}
