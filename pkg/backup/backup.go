// Package backup implements EntiDB's backup/restore blob format (spec
// §6): a header followed by one entry per live record (and, optionally,
// per tombstone), sorted by sequence so restore can replay them through
// the normal commit path in original commit order.
package backup

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/klauspost/compress/zstd"
)

// Magic identifies a backup blob.
var Magic = [4]byte{'E', 'N', 'T', 'B'}

// Version is the only backup format version this package writes.
const Version uint16 = 1

const (
	flagCompressed = 1 << 0
	flagChecksum   = 1 << 1
)

// Header precedes the entry stream.
type Header struct {
	TimestampMillis  int64
	RecordCount      uint64
	SequenceAtBackup entity.Sequence
	Compressed       bool
	Checksummed      bool
}

// Entry is one record captured in the backup.
type Entry struct {
	CollectionID entity.CollectionID
	EntityID     entity.ID
	Sequence     entity.Sequence
	Tombstone    bool
	Value        []byte
}

// Options configures Write.
type Options struct {
	// IncludeTombstones captures deleted entities too, so Restore can
	// reproduce the exact state (including deletions) at backup time
	// instead of merely the then-current live set.
	IncludeTombstones bool

	// Compress wraps the entry stream in zstd, the same compression
	// library the example pack's storage-adjacent repos use for
	// on-disk data.
	Compress bool
}

func encodeEntry(w io.Writer, e Entry) error {
	var flags uint8
	if e.Tombstone {
		flags = 1
	}

	header := make([]byte, 4+16+8+1+4)
	binary.BigEndian.PutUint32(header[0:4], uint32(e.CollectionID))
	copy(header[4:20], e.EntityID[:])
	binary.BigEndian.PutUint64(header[20:28], uint64(e.Sequence))
	header[28] = flags
	binary.BigEndian.PutUint32(header[29:33], uint32(len(e.Value)))

	if _, err := w.Write(header); err != nil {
		return &dberrors.IoError{Op: "write backup entry header", Err: err}
	}
	if len(e.Value) > 0 {
		if _, err := w.Write(e.Value); err != nil {
			return &dberrors.IoError{Op: "write backup entry value", Err: err}
		}
	}
	return nil
}

func decodeEntry(r io.Reader) (Entry, error) {
	header := make([]byte, 4+16+8+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Entry{}, err
	}

	e := Entry{
		CollectionID: entity.CollectionID(binary.BigEndian.Uint32(header[0:4])),
		EntityID:     entity.FromBytes(header[4:20]),
		Sequence:     entity.Sequence(binary.BigEndian.Uint64(header[20:28])),
		Tombstone:    header[28]&1 != 0,
	}
	valueLen := binary.BigEndian.Uint32(header[29:33])
	if valueLen > 0 {
		e.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return Entry{}, &dberrors.IoError{Op: "read backup entry value", Err: err}
		}
	}
	return e, nil
}

// Write serializes header and entries (sorted by Sequence) to w.
func Write(w io.Writer, header Header, entries []Entry, opts Options) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	if _, err := w.Write(Magic[:]); err != nil {
		return &dberrors.IoError{Op: "write backup magic", Err: err}
	}

	var flags uint8
	if opts.Compress {
		flags |= flagCompressed
	}

	fixed := make([]byte, 2+1+8+8+8)
	binary.BigEndian.PutUint16(fixed[0:2], Version)
	fixed[2] = flags
	binary.BigEndian.PutUint64(fixed[3:11], uint64(header.TimestampMillis))
	binary.BigEndian.PutUint64(fixed[11:19], uint64(len(sorted)))
	binary.BigEndian.PutUint64(fixed[19:27], uint64(header.SequenceAtBackup))
	if _, err := w.Write(fixed); err != nil {
		return &dberrors.IoError{Op: "write backup header", Err: err}
	}

	var entryWriter io.Writer = w
	var zw *zstd.Encoder
	if opts.Compress {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return err
		}
		entryWriter = zw
	}

	bw := bufio.NewWriter(entryWriter)
	for _, e := range sorted {
		if e.Tombstone && !opts.IncludeTombstones {
			continue
		}
		if err := encodeEntry(bw, e); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return &dberrors.IoError{Op: "flush backup entries", Err: err}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a backup blob written by Write.
func Read(r io.Reader) (Header, []Entry, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, nil, &dberrors.IoError{Op: "read backup magic", Err: err}
	}
	if string(magic) != string(Magic[:]) {
		return Header{}, nil, &dberrors.InvalidFormatError{Message: "invalid backup magic"}
	}

	fixed := make([]byte, 2+1+8+8+8)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return Header{}, nil, &dberrors.InvalidFormatError{Message: "backup header truncated"}
	}

	version := binary.BigEndian.Uint16(fixed[0:2])
	if version > Version {
		return Header{}, nil, &dberrors.InvalidFormatError{Message: "unsupported backup version"}
	}
	flags := fixed[2]

	header := Header{
		TimestampMillis:  int64(binary.BigEndian.Uint64(fixed[3:11])),
		RecordCount:      binary.BigEndian.Uint64(fixed[11:19]),
		SequenceAtBackup: entity.Sequence(binary.BigEndian.Uint64(fixed[19:27])),
		Compressed:       flags&flagCompressed != 0,
		Checksummed:      flags&flagChecksum != 0,
	}

	var entryReader io.Reader = r
	if header.Compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return Header{}, nil, err
		}
		defer zr.Close()
		entryReader = zr
	}

	br := bufio.NewReader(entryReader)
	entries := make([]Entry, 0, header.RecordCount)
	for {
		e, err := decodeEntry(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Header{}, nil, err
		}
		entries = append(entries, e)
	}

	return header, entries, nil
}
