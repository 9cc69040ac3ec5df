package entidb

import (
	"io"

	"github.com/entidb/entidb/pkg/segment"
	"github.com/entidb/entidb/pkg/wal"
)

// replayWAL streams every record in it and re-applies any committed
// write the segment store does not already reflect at an equal or
// higher sequence. It returns the highest sequence and transaction id
// observed, so the transaction manager can resume numbering from them.
//
// EntiDB has exactly one writer at a time and a transaction's WAL
// records are only ever written during its own Commit call (spec
// §4.4), so the log never interleaves two transactions: a BEGIN is
// always followed by that same transaction's PUT/DELETE records and
// then its COMMIT or ABORT, never by another transaction's BEGIN.
// Recovery can therefore track a single pending group instead of a
// table keyed by transaction id.
func replayWAL(it *wal.Iterator, store *segment.Store) (maxSeq uint64, maxTxID uint64, err error) {
	var pending []*wal.Record

	for {
		rec, readErr := it.ReadNext()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, 0, readErr
		}

		switch rec.Type {
		case wal.RecordBegin:
			pending = pending[:0]
			// A transaction id is consumed by Begin, not by a later
			// Commit, so an aborted or never-committed transaction's id
			// must still bump maxTxID — otherwise numbering resumes
			// from last-committed+1 and reuses it (spec §3: transaction
			// ids are never reused).
			if uint64(rec.TransactionID) > maxTxID {
				maxTxID = uint64(rec.TransactionID)
			}

		case wal.RecordPut, wal.RecordDelete:
			pending = append(pending, rec)

		case wal.RecordAbort:
			pending = nil

		case wal.RecordCommit:
			for _, w := range pending {
				if loc, ok := store.Location(w.CollectionID, w.EntityID); ok && loc.Sequence >= rec.Sequence {
					continue
				}
				flags := segment.FlagNone
				if w.Type == wal.RecordDelete {
					flags = segment.FlagTombstone
				}
				if _, err := store.Append(&segment.Record{
					CollectionID: w.CollectionID,
					EntityID:     w.EntityID,
					Flags:        flags,
					Sequence:     rec.Sequence,
					Value:        w.Value,
				}); err != nil {
					return 0, 0, err
				}
			}
			pending = nil

			if uint64(rec.Sequence) > maxSeq {
				maxSeq = uint64(rec.Sequence)
			}
			if uint64(rec.TransactionID) > maxTxID {
				maxTxID = uint64(rec.TransactionID)
			}

		case wal.RecordCheckpoint:
			if uint64(rec.Sequence) > maxSeq {
				maxSeq = uint64(rec.Sequence)
			}
		}
	}

	return maxSeq, maxTxID, nil
}
