package segment

import (
	"fmt"
	"io"
	"sync"

	"github.com/entidb/entidb/pkg/backend"
	"github.com/entidb/entidb/pkg/dberrors"
	"github.com/entidb/entidb/pkg/entity"
	"github.com/rs/zerolog"
)

// DefaultMaxSegmentSize matches the teacher's heap default; 64MB keeps
// individual segment files small enough to compact and delete cheaply.
const DefaultMaxSegmentSize = 64 * 1024 * 1024

// Opener opens (creating if necessary) the backend for segment id
// within a store. Swappable so tests can use in-memory backends while
// production uses backend.OpenFile against "<dir>/seg-%06d.dat".
type Opener func(id int) (backend.Backend, error)

type segmentFile struct {
	id      int
	backend backend.Backend
	size    uint64
	sealed  bool
}

// Location pinpoints a live record within the store.
type Location struct {
	SegmentID int
	Offset    uint64
	Sequence  entity.Sequence
	Tombstone bool
}

type collectionIndex map[entity.ID]Location

// Store is a multi-segment, append-only record store with an
// in-memory index for O(1) point lookups. Grounded on the teacher's
// pkg/heap.HeapManager: same segment-rotation strategy, generalized
// from a single byte-offset heap to an index keyed by entity identity
// and aware of tombstones.
type Store struct {
	mu             sync.RWMutex
	opener         Opener
	maxSegmentSize uint64
	segments       []*segmentFile
	active         *segmentFile
	index          map[entity.CollectionID]collectionIndex
	logger         zerolog.Logger
}

// Open constructs a Store, opening segment 1 via opener if no segments
// exist yet. Rebuilding the index from existing segments is done by
// OpenExisting instead.
func Open(opener Opener, maxSegmentSize uint64, logger zerolog.Logger) (*Store, error) {
	if maxSegmentSize == 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}

	s := &Store{
		opener:         opener,
		maxSegmentSize: maxSegmentSize,
		index:          make(map[entity.CollectionID]collectionIndex),
		logger:         logger.With().Str("component", "segment").Logger(),
	}

	b, err := opener(1)
	if err != nil {
		return nil, err
	}
	size, err := b.Size()
	if err != nil {
		return nil, err
	}
	seg := &segmentFile{id: 1, backend: b, size: size}
	s.segments = append(s.segments, seg)
	s.active = seg

	return s, nil
}

// OpenExisting rebuilds a Store from segment ids already present on
// disk (in ascending, i.e. chronological, order), scanning every
// segment to repopulate the in-memory index before accepting new
// writes onto the last one. Used by recovery (spec §4.6) instead of
// Open, which always starts a fresh segment 1.
func OpenExisting(opener Opener, segmentIDs []int, maxSegmentSize uint64, logger zerolog.Logger) (*Store, error) {
	if maxSegmentSize == 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if len(segmentIDs) == 0 {
		return Open(opener, maxSegmentSize, logger)
	}

	s := &Store{
		opener:         opener,
		maxSegmentSize: maxSegmentSize,
		index:          make(map[entity.CollectionID]collectionIndex),
		logger:         logger.With().Str("component", "segment").Logger(),
	}

	for i, id := range segmentIDs {
		b, err := opener(id)
		if err != nil {
			return nil, err
		}
		size, err := b.Size()
		if err != nil {
			return nil, err
		}
		seg := &segmentFile{id: id, backend: b, size: size, sealed: i != len(segmentIDs)-1}
		s.segments = append(s.segments, seg)

		if err := s.scanSegmentLocked(seg, func(id entity.ID, loc Location, rec *Record) {
			byColl, ok := s.index[rec.CollectionID]
			if !ok {
				byColl = make(collectionIndex)
				s.index[rec.CollectionID] = byColl
			}
			byColl[id] = loc
		}); err != nil {
			return nil, err
		}
	}
	s.active = s.segments[len(s.segments)-1]

	return s, nil
}

// Append writes rec to the active segment, rotating to a new segment
// first if it would not fit, and updates the in-memory index.
func (s *Store) Append(rec *Record) (Location, error) {
	frame, err := rec.Encode()
	if err != nil {
		return Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.size+uint64(len(frame)) > s.maxSegmentSize && s.active.size > 0 {
		if err := s.rotateLocked(); err != nil {
			return Location{}, err
		}
	}

	offset, err := s.active.backend.Append(frame)
	if err != nil {
		return Location{}, err
	}
	s.active.size += uint64(len(frame))

	loc := Location{
		SegmentID: s.active.id,
		Offset:    offset,
		Sequence:  rec.Sequence,
		Tombstone: rec.Flags.Tombstone(),
	}

	byColl, ok := s.index[rec.CollectionID]
	if !ok {
		byColl = make(collectionIndex)
		s.index[rec.CollectionID] = byColl
	}
	byColl[rec.EntityID] = loc

	return loc, nil
}

func (s *Store) rotateLocked() error {
	s.active.sealed = true
	newID := s.active.id + 1
	b, err := s.opener(newID)
	if err != nil {
		return err
	}
	seg := &segmentFile{id: newID, backend: b}
	s.segments = append(s.segments, seg)
	s.active = seg
	s.logger.Debug().Int("segment_id", newID).Msg("rotated to new segment")
	return nil
}

// Get returns the current record for (collectionID, entityID), or
// ok=false if there is no live (non-tombstone) record.
func (s *Store) Get(collectionID entity.CollectionID, id entity.ID) (*Record, bool, error) {
	s.mu.RLock()
	byColl, ok := s.index[collectionID]
	if !ok {
		s.mu.RUnlock()
		return nil, false, nil
	}
	loc, ok := byColl[id]
	s.mu.RUnlock()
	if !ok || loc.Tombstone {
		return nil, false, nil
	}

	return s.readAt(loc)
}

func (s *Store) readAt(loc Location) (*Record, bool, error) {
	s.mu.RLock()
	var seg *segmentFile
	for _, candidate := range s.segments {
		if candidate.id == loc.SegmentID {
			seg = candidate
			break
		}
	}
	s.mu.RUnlock()
	if seg == nil {
		return nil, false, fmt.Errorf("segment %d not found for location", loc.SegmentID)
	}

	header, err := seg.backend.ReadAt(loc.Offset, HeaderSize)
	if err != nil {
		return nil, false, err
	}
	rec, total, err := DecodeHeader(header)
	if err != nil {
		return nil, false, err
	}

	full, err := seg.backend.ReadAt(loc.Offset, int(total))
	if err != nil {
		return nil, false, err
	}
	payload, err := VerifyAndExtractPayload(full)
	if err != nil {
		return nil, false, err
	}
	rec.Value = payload
	return &rec, true, nil
}

// Location returns the current index entry for an entity, used by the
// transaction manager's optional conflict check.
func (s *Store) Location(collectionID entity.CollectionID, id entity.ID) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byColl, ok := s.index[collectionID]
	if !ok {
		return Location{}, false
	}
	loc, ok := byColl[id]
	return loc, ok
}

// IterateCollection calls fn for every live (non-tombstone) entity in
// a collection. Iteration order is unspecified.
func (s *Store) IterateCollection(collectionID entity.CollectionID, fn func(id entity.ID, rec *Record) error) error {
	s.mu.RLock()
	byColl, ok := s.index[collectionID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	locs := make(map[entity.ID]Location, len(byColl))
	for id, loc := range byColl {
		locs[id] = loc
	}
	s.mu.RUnlock()

	for id, loc := range locs {
		if loc.Tombstone {
			continue
		}
		rec, ok, err := s.readAt(loc)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of live entities in a collection.
func (s *Store) Count(collectionID entity.CollectionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byColl, ok := s.index[collectionID]
	if !ok {
		return 0
	}
	n := 0
	for _, loc := range byColl {
		if !loc.Tombstone {
			n++
		}
	}
	return n
}

// ReplayIndex re-derives the index entry for a record read during WAL
// or manifest recovery. It does not write a new segment record; the
// segment record already exists on disk from the original commit.
func (s *Store) ReplayIndex(collectionID entity.CollectionID, id entity.ID, loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byColl, ok := s.index[collectionID]
	if !ok {
		byColl = make(collectionIndex)
		s.index[collectionID] = byColl
	}
	byColl[id] = loc
}

// Compact rewrites a single sealed segment, dropping tombstones and
// superseded versions, and returns the number of bytes reclaimed.
// Compaction is explicit (spec Open Question (b)): it is never
// triggered automatically by rotation.
func (s *Store) Compact(segmentID int, opener Opener) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *segmentFile
	idx := -1
	for i, seg := range s.segments {
		if seg.id == segmentID {
			target = seg
			idx = i
			break
		}
	}
	if target == nil {
		return 0, fmt.Errorf("segment %d not found", segmentID)
	}
	if target == s.active {
		return 0, fmt.Errorf("cannot compact the active segment")
	}

	live := make([]*Record, 0)
	if err := s.scanSegmentLocked(target, func(id entity.ID, loc Location, rec *Record) {
		for collID, byColl := range s.index {
			if cur, ok := byColl[id]; ok && cur == loc && !cur.Tombstone {
				r := *rec
				live = append(live, &r)
				_ = collID
			}
		}
	}); err != nil {
		return 0, err
	}

	oldSize := int64(target.size)

	replacement, err := opener(segmentID)
	if err != nil {
		return 0, err
	}
	newSeg := &segmentFile{id: segmentID}
	newSeg.backend = replacement

	for _, rec := range live {
		frame, err := rec.Encode()
		if err != nil {
			return 0, err
		}
		offset, err := newSeg.backend.Append(frame)
		if err != nil {
			return 0, err
		}
		newSeg.size += uint64(len(frame))

		byColl := s.index[rec.CollectionID]
		byColl[rec.EntityID] = Location{SegmentID: segmentID, Offset: offset, Sequence: rec.Sequence}
	}
	newSeg.sealed = true

	if err := target.backend.Close(); err != nil {
		s.logger.Warn().Err(err).Int("segment_id", segmentID).Msg("error closing old segment during compaction")
	}

	s.segments[idx] = newSeg
	return oldSize - int64(newSeg.size), nil
}

func (s *Store) scanSegmentLocked(seg *segmentFile, fn func(id entity.ID, loc Location, rec *Record)) error {
	var offset uint64
	for offset < seg.size {
		header, err := seg.backend.ReadAt(offset, HeaderSize)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		rec, total, err := DecodeHeader(header)
		if err != nil {
			return err
		}
		full, err := seg.backend.ReadAt(offset, int(total))
		if err != nil {
			return err
		}
		payload, err := VerifyAndExtractPayload(full)
		if err != nil {
			return err
		}
		rec.Value = payload

		loc := Location{SegmentID: seg.id, Offset: offset, Sequence: rec.Sequence, Tombstone: rec.Flags.Tombstone()}
		fn(rec.EntityID, loc, &rec)

		offset += uint64(total)
	}
	return nil
}

// Close closes every segment's backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.backend.Close(); err != nil && firstErr == nil {
			firstErr = &dberrors.IoError{Op: "close segment", Err: err}
		}
	}
	return firstErr
}

// SegmentIDs returns the ids of every segment, in order, including the
// active one.
func (s *Store) SegmentIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, len(s.segments))
	for i, seg := range s.segments {
		ids[i] = seg.id
	}
	return ids
}
