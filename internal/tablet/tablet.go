package tablet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tabletkv/internal/protocol"
	"github.com/dreamware/tabletkv/internal/storage"
)

// Error messages returned in-band in the envelope.
const (
	MsgRowNotFound     = protocol.MsgRowNotFound
	MsgColNotFound     = protocol.MsgColNotFound
	MsgValueMismatch   = protocol.MsgValueMismatch
	MsgSuspended       = protocol.MsgSuspended
	MsgUnsupportedOp   = protocol.MsgUnsupportedOp
	msgMalformedPrefix = "Malformed request: "
)

// State represents the current serving state of a tablet
type State string

const (
	// StateActive means the tablet is serving data operations
	StateActive State = "active"
	// StateSuspended means data operations are refused until REVIVE
	StateSuspended State = "suspended"
)

// Tablet is a node's collection of rows and the engine that executes
// GET/PUT/CPUT/DELETE against them. Each operation holds its row's lock
// for its full duration, so operations on one row are linearized while
// different rows proceed in parallel.
type Tablet struct {
	Store storage.RowStore // The storage backend for this tablet
	Stats *Stats           // Operation statistics

	locks *LockTable
	mu    sync.RWMutex // Held shared by data operations, exclusively by state changes
	state State
}

// Stats tracks operation counts
type Stats struct {
	Gets      uint64 // Number of get operations
	Puts      uint64 // Number of put operations
	CPuts     uint64 // Number of compare-and-put operations
	Deletes   uint64 // Number of delete operations
	Conflicts uint64 // Number of CPUTs rejected for a stale expected value
	Failures  uint64 // Number of operations that returned status 1
}

// Info contains metadata about the tablet
type Info struct {
	State   State              `json:"state"`
	Ops     Stats              `json:"operations"`
	Storage storage.StoreStats `json:"storage"`
	Stripes int                `json:"lock_stripes"`
}

// New creates an active tablet over store with the given number of lock
// stripes (DefaultLockStripes if stripes <= 0).
func New(store storage.RowStore, stripes int) *Tablet {
	return &Tablet{
		Store: store,
		Stats: &Stats{},
		locks: NewLockTable(stripes),
		state: StateActive,
	}
}

// Execute dispatches m by type and returns it mutated with the result.
func (t *Tablet) Execute(m *protocol.Message) *protocol.Message {
	switch m.Type {
	case protocol.OpSuspend:
		t.SetState(StateSuspended)
		m.Succeed()
		return m
	case protocol.OpRevive:
		t.SetState(StateActive)
		m.Succeed()
		return m
	case protocol.OpGet, protocol.OpPut, protocol.OpCPut, protocol.OpDelete:
	default:
		m.Fail(MsgUnsupportedOp)
		return m
	}

	// Data operations hold the state lock shared, so SUSPEND waits for
	// in-flight operations and every later one sees it.
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state == StateSuspended {
		m.Fail(MsgSuspended)
		atomic.AddUint64(&t.Stats.Failures, 1)
		return m
	}

	switch m.Type {
	case protocol.OpGet:
		t.Get(m)
	case protocol.OpPut:
		t.Put(m)
	case protocol.OpCPut:
		t.CPut(m)
	case protocol.OpDelete:
		t.Delete(m)
	}
	if m.Status != protocol.StatusOK {
		atomic.AddUint64(&t.Stats.Failures, 1)
	}
	return m
}

// Get looks up the first entry for m.ColKey and stores its value in m.Value.
func (t *Tablet) Get(m *protocol.Message) {
	atomic.AddUint64(&t.Stats.Gets, 1)
	unlock := t.locks.Lock(m.RowKey)
	defer unlock()

	cols, ok := t.readRow(m)
	if !ok {
		return
	}
	i := firstMatch(cols, m.ColKey)
	if i < 0 {
		m.Fail(MsgColNotFound)
		return
	}
	m.Value = cols[i].Value
	m.Succeed()
}

// Put appends (ColKey, Value) to the row, creating it if needed.
// Earlier entries with the same ColKey are kept and still win on lookup.
func (t *Tablet) Put(m *protocol.Message) {
	atomic.AddUint64(&t.Stats.Puts, 1)
	unlock := t.locks.Lock(m.RowKey)
	defer unlock()

	err := t.Store.AppendColumn(m.RowKey, storage.Column{Key: m.ColKey, Value: m.Value})
	if err != nil {
		m.Fail(err.Error())
		return
	}
	m.Succeed()
}

// CPut replaces the first entry for ColKey with Value2 only if its current
// value equals Value. The row is rewritten atomically with every other
// entry preserved.
func (t *Tablet) CPut(m *protocol.Message) {
	atomic.AddUint64(&t.Stats.CPuts, 1)
	unlock := t.locks.Lock(m.RowKey)
	defer unlock()

	cols, ok := t.readRow(m)
	if !ok {
		return
	}
	i := firstMatch(cols, m.ColKey)
	if i < 0 {
		m.Fail(MsgColNotFound)
		return
	}
	if cols[i].Value != m.Value {
		atomic.AddUint64(&t.Stats.Conflicts, 1)
		m.Fail(MsgValueMismatch)
		return
	}

	cols[i].Value = m.Value2
	if err := t.Store.WriteRow(m.RowKey, cols); err != nil {
		m.Fail(err.Error())
		return
	}
	m.Succeed()
}

// Delete removes every entry for ColKey and rewrites the row.
func (t *Tablet) Delete(m *protocol.Message) {
	atomic.AddUint64(&t.Stats.Deletes, 1)
	unlock := t.locks.Lock(m.RowKey)
	defer unlock()

	cols, ok := t.readRow(m)
	if !ok {
		return
	}
	remaining := slices.DeleteFunc(slices.Clone(cols), func(c storage.Column) bool {
		return c.Key == m.ColKey
	})
	if len(remaining) == len(cols) {
		m.Fail(MsgColNotFound)
		return
	}

	if err := t.Store.WriteRow(m.RowKey, remaining); err != nil {
		m.Fail(err.Error())
		return
	}
	m.Succeed()
}

// readRow loads the row for m, failing m if it is absent or unreadable.
// The caller must hold the row lock.
func (t *Tablet) readRow(m *protocol.Message) ([]storage.Column, bool) {
	cols, err := t.Store.ReadRow(m.RowKey)
	if err != nil {
		if errors.Is(err, storage.ErrRowNotFound) {
			m.Fail(MsgRowNotFound)
		} else {
			m.Fail(err.Error())
		}
		return nil, false
	}
	return cols, true
}

func firstMatch(cols []storage.Column, colkey string) int {
	for i, c := range cols {
		if c.Key == colkey {
			return i
		}
	}
	return -1
}

// ForEachRow calls fn for every row in rowkey order, holding that row's
// lock while fn runs. A row removed between listing and locking is skipped.
// Iteration stops at the first error from fn.
func (t *Tablet) ForEachRow(fn func(rowkey string, cols []storage.Column) error) error {
	keys, err := t.Store.Rows()
	if err != nil {
		return fmt.Errorf("list rows: %w", err)
	}
	for _, key := range keys {
		if err := t.visitRow(key, fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tablet) visitRow(rowkey string, fn func(string, []storage.Column) error) error {
	unlock := t.locks.Lock(rowkey)
	defer unlock()

	cols, err := t.Store.ReadRow(rowkey)
	if errors.Is(err, storage.ErrRowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fn(rowkey, cols)
}

// State returns the tablet's serving state
func (t *Tablet) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetState updates the tablet's serving state
func (t *Tablet) SetState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// GetStats returns a snapshot of the operation counters
func (t *Tablet) GetStats() Stats {
	return Stats{
		Gets:      atomic.LoadUint64(&t.Stats.Gets),
		Puts:      atomic.LoadUint64(&t.Stats.Puts),
		CPuts:     atomic.LoadUint64(&t.Stats.CPuts),
		Deletes:   atomic.LoadUint64(&t.Stats.Deletes),
		Conflicts: atomic.LoadUint64(&t.Stats.Conflicts),
		Failures:  atomic.LoadUint64(&t.Stats.Failures),
	}
}

// Info returns metadata about the tablet
func (t *Tablet) Info() Info {
	return Info{
		State:   t.State(),
		Ops:     t.GetStats(),
		Storage: t.Store.Stats(),
		Stripes: t.locks.Len(),
	}
}

// MalformedResponse builds the reply sent for a line that failed to decode.
func MalformedResponse(err error) *protocol.Message {
	m := &protocol.Message{}
	m.Fail(msgMalformedPrefix + err.Error())
	return m
}
