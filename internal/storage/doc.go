// Package storage provides the row stores behind a tablet.
//
// # Overview
//
// A row is an ordered list of (colkey, value) entries. Entries are appended,
// never updated in place, and the same colkey may appear more than once;
// readers resolve a colkey to its first entry. Conditional updates and
// deletes replace the whole row at once.
//
// RowStore captures exactly these operations:
//
//	ReadRow(rowkey)            all entries, in order, or ErrRowNotFound
//	AppendColumn(rowkey, col)  append one entry, creating the row
//	WriteRow(rowkey, cols)     atomically replace every entry of the row
//	Rows()                     every rowkey, sorted
//	Stats(), Close()
//
// Stores are safe for concurrent use on distinct rowkeys. Callers serialize
// operations on the same rowkey; the tablet engine does this with its lock
// stripes.
//
// # Implementations
//
// FileStore: one file per row under the data directory
//   - File name is "row_" plus the path-escaped rowkey
//   - Each entry is an escaped "colkey|value" line
//   - Appends use O_APPEND followed by fsync
//   - WriteRow writes a temp file, fsyncs it and renames it over the row
//   - AppendColumn first cuts off a torn final line and rolls back a failed
//     write, so every entry starts on its own line
//
// LogStore: a single append-only log plus an in-memory index
//   - Records are "A" (append one entry) or "W" (replace a row)
//   - Every record is fsynced before the operation returns
//   - OpenLogStore replays the log before the store is used; a torn final
//     record left by a crash is truncated
//   - A failed append or sync truncates the log back to where the record
//     started
//   - Compact rewrites the log with one "W" record per row
//
// MemoryStore: maps guarded by an RWMutex, for tests and throwaway nodes.
//
// # Usage Example
//
//	store, err := storage.OpenFileStore("/var/lib/tabletkv/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.AppendColumn("abcrow", storage.Column{Key: "x", Value: "1"})
//	cols, err := store.ReadRow("abcrow")
package storage
