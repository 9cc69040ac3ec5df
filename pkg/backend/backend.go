// Package backend implements the opaque byte-store abstraction EntiDB
// builds everything else on (spec §4.1). A Backend knows nothing about
// WAL frames, segment records, or entities — it only reads, appends,
// flushes, syncs, and truncates bytes.
package backend

// Backend is a low-level, opaque byte stream. Implementations must be
// safe for concurrent readers while a single writer appends.
type Backend interface {
	// ReadAt returns exactly len bytes starting at offset. Returns
	// dberrors.ErrReadPastEnd if offset+len exceeds the current size.
	ReadAt(offset uint64, length int) ([]byte, error)

	// Append writes data at the end of the stream and returns the
	// offset at which it was written.
	Append(data []byte) (uint64, error)

	// Flush pushes buffered writes to the OS.
	Flush() error

	// Sync ensures data and metadata are durable.
	Sync() error

	// Truncate shrinks the stream to newSize, which must be <= Size().
	Truncate(newSize uint64) error

	// Size returns the current size in bytes.
	Size() (uint64, error)

	// Close releases any underlying resources.
	Close() error
}
