package backend

import (
	"sync"

	"github.com/entidb/entidb/pkg/dberrors"
)

// Memory is an in-memory backend used for tests and ephemeral
// (open_in_memory) databases. Flush and Sync are no-ops — the bytes are
// never anything but "durable" for the lifetime of the process.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ReadAt(offset uint64, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := offset + uint64(length)
	if end > uint64(len(m.data)) {
		return nil, dberrors.ErrReadPastEnd
	}
	out := make([]byte, length)
	copy(out, m.data[offset:end])
	return out, nil
}

func (m *Memory) Append(data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := uint64(len(m.data))
	m.data = append(m.data, data...)
	return offset, nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Sync() error { return nil }

func (m *Memory) Truncate(newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newSize > uint64(len(m.data)) {
		return &dberrors.IoError{Op: "truncate", Err: dberrors.ErrReadPastEnd}
	}
	m.data = m.data[:newSize]
	return nil
}

func (m *Memory) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)), nil
}

func (m *Memory) Close() error { return nil }
