package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrRowNotFound is returned when a row doesn't exist in the store
var ErrRowNotFound = errors.New("row not found")

// Column is a single (colkey, value) entry of a row.
// Rows keep entries in write order and may hold the same ColKey more than once.
type Column struct {
	Key   string
	Value string
}

// RowStore defines the interface for row storage on a tablet.
// Implementations must be safe for concurrent use on distinct rows;
// callers serialize access to the same row.
type RowStore interface {
	// ReadRow returns the row's entries in storage order
	// Returns ErrRowNotFound if the row doesn't exist
	ReadRow(rowkey string) ([]Column, error)

	// AppendColumn adds an entry to the end of the row, creating the row if needed
	// Existing entries with the same key are left in place
	AppendColumn(rowkey string, col Column) error

	// WriteRow atomically replaces the row's entries
	WriteRow(rowkey string, cols []Column) error

	// Rows returns all rowkeys in sorted order
	Rows() ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats

	// Close releases any resources held by the store
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Rows    int // Number of rows
	Columns int // Number of column entries across all rows
	Bytes   int // Total size of keys and values in bytes
}

func (s *StoreStats) add(cols []Column) {
	s.Rows++
	s.Columns += len(cols)
	for _, c := range cols {
		s.Bytes += len(c.Key) + len(c.Value)
	}
}

// MemoryStore implements RowStore with volatile in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex        // Protects concurrent access
	rows map[string][]Column // Row storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string][]Column),
	}
}

// ReadRow returns a copy of the row to prevent external modification
func (m *MemoryStore) ReadRow(rowkey string) ([]Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cols, exists := m.rows[rowkey]
	if !exists {
		return nil, ErrRowNotFound
	}
	return slices.Clone(cols), nil
}

// AppendColumn adds an entry to the end of the row
func (m *MemoryStore) AppendColumn(rowkey string, col Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows[rowkey] = append(m.rows[rowkey], col)
	return nil
}

// WriteRow replaces the row with a copy of cols
func (m *MemoryStore) WriteRow(rowkey string, cols []Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to prevent external modification
	stored := make([]Column, len(cols))
	copy(stored, cols)
	m.rows[rowkey] = stored
	return nil
}

// Rows returns all rowkeys in sorted order
func (m *MemoryStore) Rows() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.rows))
	for key := range m.rows {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats StoreStats
	for _, cols := range m.rows {
		stats.add(cols)
	}
	return stats
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}
