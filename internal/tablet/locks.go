package tablet

import (
	"hash/fnv"
	"sync"
)

// DefaultLockStripes is the number of row lock stripes a tablet uses when
// none is configured.
const DefaultLockStripes = 256

// LockTable serializes operations per row using a fixed set of mutexes.
// A rowkey always hashes to the same stripe, so two operations on one row
// never run concurrently; unrelated rows only contend when they share a
// stripe. No locks are created after construction.
type LockTable struct {
	stripes []sync.Mutex
}

// NewLockTable creates a lock table with n stripes (DefaultLockStripes if n <= 0).
func NewLockTable(n int) *LockTable {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &LockTable{stripes: make([]sync.Mutex, n)}
}

// stripe returns the index of the mutex guarding rowkey.
func (l *LockTable) stripe(rowkey string) int {
	h := fnv.New32a()
	h.Write([]byte(rowkey))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// Lock acquires the lock for rowkey and returns the matching unlock function.
//
//	unlock := locks.Lock("abcrow")
//	defer unlock()
func (l *LockTable) Lock(rowkey string) (unlock func()) {
	mu := &l.stripes[l.stripe(rowkey)]
	mu.Lock()
	return mu.Unlock
}

// Len returns the number of stripes.
func (l *LockTable) Len() int {
	return len(l.stripes)
}
