package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tabletkv/internal/protocol"
)

// LogFileName is the name of the append log inside a tablet's data directory.
const LogFileName = "tablet.log"

// Log record kinds.
const (
	recordAppend  = "A" // A|rowkey|colkey|value
	recordRewrite = "W" // W|rowkey|colkey|value|colkey|value...
)

// LogStore keeps rows in an in-memory index backed by a per-tablet append log.
//
// Every mutation is appended and synced to the log before the index changes,
// and OpenLogStore replays the log before returning, so a restarted tablet
// serves exactly the acknowledged writes. A torn final record left by a
// crash mid-append is dropped during replay.
//
// Log writes are serialized by mu; reads share it.
type LogStore struct {
	mu      sync.RWMutex
	rows    map[string][]Column
	log     *os.File
	path    string
	records int
}

// OpenLogStore opens the log in dir, replaying it into memory.
func OpenLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, LogFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	l := &LogStore{
		rows: make(map[string][]Column),
		log:  file,
		path: path,
	}
	if err := l.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// replay rebuilds the index and leaves the file offset at the end of the
// last complete record.
func (l *LogStore) replay() error {
	r := bufio.NewReader(l.log)
	var offset int64
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				// torn tail from an interrupted append
				if err := l.log.Truncate(offset); err != nil {
					return fmt.Errorf("truncate torn log record: %w", err)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		if err := l.apply(strings.TrimSuffix(line, "\n")); err != nil {
			return fmt.Errorf("replay log at offset %d: %w", offset, err)
		}
		offset += int64(len(line))
		l.records++
	}
	if _, err := l.log.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	return nil
}

func (l *LogStore) apply(record string) error {
	fields := strings.Split(record, "|")
	if len(fields) < 2 {
		return fmt.Errorf("corrupt record %q", record)
	}
	rowkey, err := protocol.Unescape(fields[1])
	if err != nil {
		return err
	}
	cols, err := decodeColumns(fields[2:])
	if err != nil {
		return err
	}

	switch fields[0] {
	case recordAppend:
		if len(cols) != 1 {
			return fmt.Errorf("append record with %d columns", len(cols))
		}
		l.rows[rowkey] = append(l.rows[rowkey], cols[0])
	case recordRewrite:
		l.rows[rowkey] = cols
	default:
		return fmt.Errorf("unknown record kind %q", fields[0])
	}
	return nil
}

// write appends record and syncs it. On failure the log is cut back to
// where the record started, so a later record never lands on a torn line.
func (l *LogStore) write(record string) error {
	offset, err := l.log.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if _, err := l.log.WriteString(record + "\n"); err != nil {
		l.rollback(offset)
		return fmt.Errorf("append log: %w", err)
	}
	if err := l.log.Sync(); err != nil {
		l.rollback(offset)
		return fmt.Errorf("sync log: %w", err)
	}
	l.records++
	return nil
}

func (l *LogStore) rollback(offset int64) {
	if err := l.log.Truncate(offset); err != nil {
		log.Printf("log store: truncate %s to %d: %v", l.path, offset, err)
	}
	if _, err := l.log.Seek(offset, io.SeekStart); err != nil {
		log.Printf("log store: seek %s to %d: %v", l.path, offset, err)
	}
}

// ReadRow returns a copy of the row's entries
func (l *LogStore) ReadRow(rowkey string) ([]Column, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cols, exists := l.rows[rowkey]
	if !exists {
		return nil, ErrRowNotFound
	}
	return slices.Clone(cols), nil
}

// AppendColumn logs the entry, then adds it to the row
func (l *LogStore) AppendColumn(rowkey string, col Column) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(encodeRecord(recordAppend, rowkey, []Column{col})); err != nil {
		return err
	}
	l.rows[rowkey] = append(l.rows[rowkey], col)
	return nil
}

// WriteRow logs the full row, then replaces it
func (l *LogStore) WriteRow(rowkey string, cols []Column) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.write(encodeRecord(recordRewrite, rowkey, cols)); err != nil {
		return err
	}
	l.rows[rowkey] = slices.Clone(cols)
	return nil
}

// Rows returns all rowkeys in sorted order
func (l *LogStore) Rows() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.rows))
	for key := range l.rows {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Stats returns storage statistics
func (l *LogStore) Stats() StoreStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats StoreStats
	for _, cols := range l.rows {
		stats.add(cols)
	}
	return stats
}

// Records returns the number of records in the log.
func (l *LogStore) Records() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records
}

// Compact rewrites the log as one rewrite record per row and swaps it in
// with a rename.
func (l *LogStore) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".compact"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	defer os.Remove(tmpPath)

	keys := make([]string, 0, len(l.rows))
	for key := range l.rows {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	w := bufio.NewWriter(tmp)
	for _, key := range keys {
		if _, err := w.WriteString(encodeRecord(recordRewrite, key, l.rows[key]) + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write compacted log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync compacted log: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		tmp.Close()
		return fmt.Errorf("install compacted log: %w", err)
	}

	// tmp now refers to the installed log; its offset is already at the end
	l.log.Close()
	l.log = tmp
	l.records = len(keys)
	return nil
}

// Close closes the log file
func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Close()
}

func encodeRecord(kind, rowkey string, cols []Column) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte('|')
	b.WriteString(protocol.Escape(rowkey))
	for _, c := range cols {
		b.WriteByte('|')
		b.WriteString(protocol.Escape(c.Key))
		b.WriteByte('|')
		b.WriteString(protocol.Escape(c.Value))
	}
	return b.String()
}

func decodeColumns(fields []string) ([]Column, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd number of column fields (%d)", len(fields))
	}
	cols := make([]Column, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		key, err := protocol.Unescape(fields[i])
		if err != nil {
			return nil, err
		}
		value, err := protocol.Unescape(fields[i+1])
		if err != nil {
			return nil, err
		}
		cols = append(cols, Column{Key: key, Value: value})
	}
	return cols, nil
}
