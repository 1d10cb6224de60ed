package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tabletkv/internal/protocol"
)

// rowFilePrefix is prepended to every row file name so that keys such as
// "." or ".." never collide with directory entries.
const rowFilePrefix = "row_"

// FileStore keeps one file per row under a data directory.
// Each entry is an escaped "colkey|value" line. Appends are synced before
// returning and whole-row rewrites go through a temp file and rename, so a
// row file is always either the old or the new version.
//
// FileStore holds no per-row state in memory; the tablet's lock table
// serializes access to a row.
type FileStore struct {
	dir string
}

// OpenFileStore opens (creating if needed) a file store rooted at dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the data directory.
func (f *FileStore) Dir() string {
	return f.dir
}

// RowFileName maps a rowkey to its file name inside the data directory.
func RowFileName(rowkey string) string {
	return rowFilePrefix + url.PathEscape(rowkey)
}

func rowKeyFromFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, rowFilePrefix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimPrefix(name, rowFilePrefix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *FileStore) path(rowkey string) string {
	return filepath.Join(f.dir, RowFileName(rowkey))
}

// ReadRow returns the row's entries in file order
func (f *FileStore) ReadRow(rowkey string) ([]Column, error) {
	file, err := os.Open(f.path(rowkey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("open row %q: %w", rowkey, err)
	}
	defer file.Close()

	var cols []Column
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)
	for scanner.Scan() {
		col, err := decodeEntry(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", rowkey, err)
		}
		cols = append(cols, col)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read row %q: %w", rowkey, err)
	}
	return cols, nil
}

// AppendColumn appends an entry to the row file, creating it if absent.
// A torn final line left by an earlier failed append is cut off first, and
// a failed append is rolled back, so entries always start on a fresh line.
func (f *FileStore) AppendColumn(rowkey string, col Column) error {
	file, err := os.OpenFile(f.path(rowkey), os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open row %q for append: %w", rowkey, err)
	}
	end, err := trimTornTail(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("repair row %q: %w", rowkey, err)
	}
	if _, err := file.WriteString(encodeEntry(col)); err != nil {
		file.Truncate(end)
		file.Close()
		return fmt.Errorf("append to row %q: %w", rowkey, err)
	}
	if err := file.Sync(); err != nil {
		file.Truncate(end)
		file.Close()
		return fmt.Errorf("sync row %q: %w", rowkey, err)
	}
	return file.Close()
}

// tailChunk is how far trimTornTail reads back per step.
const tailChunk = 4096

// trimTornTail truncates file after its last newline when it does not end
// in one, and returns the resulting size.
func trimTornTail(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	buf := make([]byte, tailChunk)
	end := size
	for end > 0 {
		start := max(end-tailChunk, 0)
		chunk := buf[:end-start]
		if _, err := file.ReadAt(chunk, start); err != nil {
			return 0, err
		}
		if end == size && chunk[len(chunk)-1] == '\n' {
			return size, nil
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if err := file.Truncate(end); err != nil {
		return 0, err
	}
	return end, nil
}

// WriteRow atomically replaces the row file with cols
func (f *FileStore) WriteRow(rowkey string, cols []Column) error {
	tmp, err := os.CreateTemp(f.dir, ".rewrite-*")
	if err != nil {
		return fmt.Errorf("create temp file for row %q: %w", rowkey, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, col := range cols {
		if _, err := w.WriteString(encodeEntry(col)); err != nil {
			tmp.Close()
			return fmt.Errorf("rewrite row %q: %w", rowkey, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("rewrite row %q: %w", rowkey, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync row %q: %w", rowkey, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close row %q: %w", rowkey, err)
	}
	if err := os.Rename(tmp.Name(), f.path(rowkey)); err != nil {
		return fmt.Errorf("replace row %q: %w", rowkey, err)
	}
	return nil
}

// Rows lists the rowkeys that have a file in the data directory
func (f *FileStore) Rows() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list data directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := rowKeyFromFileName(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Stats scans every row file; intended for diagnostics, not the hot path
func (f *FileStore) Stats() StoreStats {
	var stats StoreStats
	keys, err := f.Rows()
	if err != nil {
		return stats
	}
	for _, key := range keys {
		cols, err := f.ReadRow(key)
		if err != nil {
			continue
		}
		stats.add(cols)
	}
	return stats
}

// Close is a no-op; files are opened per operation
func (f *FileStore) Close() error {
	return nil
}

// maxEntryBytes bounds a single stored entry line.
const maxEntryBytes = 16 * 1024 * 1024

func encodeEntry(col Column) string {
	return protocol.Escape(col.Key) + "|" + protocol.Escape(col.Value) + "\n"
}

func decodeEntry(line string) (Column, error) {
	key, value, ok := strings.Cut(line, "|")
	if !ok {
		return Column{}, fmt.Errorf("corrupt entry %q", line)
	}
	var col Column
	var err error
	if col.Key, err = protocol.Unescape(key); err != nil {
		return Column{}, err
	}
	if col.Value, err = protocol.Unescape(value); err != nil {
		return Column{}, err
	}
	return col, nil
}
