package store

import (
	"sync"
)

// Memory is a store that keeps everything in process memory
type Memory struct {
	mu       sync.RWMutex
	snapshot []byte
	events   [][]byte
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{}
}

// SaveSnapshot replaces the stored snapshot
func (m *Memory) SaveSnapshot(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = append([]byte(nil), data...)
	return nil
}

// LoadSnapshot returns a copy of the stored snapshot
func (m *Memory) LoadSnapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.snapshot...), nil
}

// AppendEvent adds data to the journal
func (m *Memory) AppendEvent(data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, append([]byte(nil), data...))
	return uint64(len(m.events)), nil
}

// Events calls f for every journal entry with a sequence number of at least from
func (m *Memory) Events(from uint64, f func(seq uint64, data []byte) error) error {
	m.mu.RLock()
	events := m.events
	m.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	for seq := from; seq <= uint64(len(events)); seq++ {
		if err := f(seq, append([]byte(nil), events[seq-1]...)); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
