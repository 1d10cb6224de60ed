package storage

import (
	"fmt"
	"sync"
	"testing"
)

// storeFactories builds each RowStore implementation against a fresh directory
func storeFactories(t *testing.T) map[string]func() RowStore {
	t.Helper()
	return map[string]func() RowStore{
		"memory": func() RowStore { return NewMemoryStore() },
		"file": func() RowStore {
			s, err := OpenFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("OpenFileStore: %v", err)
			}
			return s
		},
		"log": func() RowStore {
			s, err := OpenLogStore(t.TempDir())
			if err != nil {
				t.Fatalf("OpenLogStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// TestRowStoreContract runs the same behavioral checks against every implementation
func TestRowStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("new store is empty", func(t *testing.T) {
				store := newStore()

				keys, err := store.Rows()
				if err != nil {
					t.Fatalf("Rows failed: %v", err)
				}
				if len(keys) != 0 {
					t.Errorf("Expected empty store, got %d rows", len(keys))
				}

				if _, err := store.ReadRow("nonexistent"); err != ErrRowNotFound {
					t.Errorf("Expected ErrRowNotFound, got %v", err)
				}
			})

			t.Run("append preserves order and duplicates", func(t *testing.T) {
				store := newStore()

				for _, col := range []Column{{"x", "1"}, {"y", "2"}, {"x", "3"}} {
					if err := store.AppendColumn("row", col); err != nil {
						t.Fatalf("AppendColumn failed: %v", err)
					}
				}

				cols, err := store.ReadRow("row")
				if err != nil {
					t.Fatalf("ReadRow failed: %v", err)
				}
				want := []Column{{"x", "1"}, {"y", "2"}, {"x", "3"}}
				if fmt.Sprint(cols) != fmt.Sprint(want) {
					t.Errorf("Expected %v, got %v", want, cols)
				}
			})

			t.Run("write row replaces entries", func(t *testing.T) {
				store := newStore()

				store.AppendColumn("row", Column{"x", "1"})
				store.AppendColumn("row", Column{"y", "2"})

				if err := store.WriteRow("row", []Column{{"y", "20"}}); err != nil {
					t.Fatalf("WriteRow failed: %v", err)
				}

				cols, err := store.ReadRow("row")
				if err != nil {
					t.Fatalf("ReadRow failed: %v", err)
				}
				if len(cols) != 1 || cols[0] != (Column{"y", "20"}) {
					t.Errorf("Expected [{y 20}], got %v", cols)
				}
			})

			t.Run("empty row still exists", func(t *testing.T) {
				store := newStore()

				store.AppendColumn("row", Column{"x", "1"})
				if err := store.WriteRow("row", nil); err != nil {
					t.Fatalf("WriteRow failed: %v", err)
				}

				cols, err := store.ReadRow("row")
				if err != nil {
					t.Fatalf("Expected empty row to exist, got %v", err)
				}
				if len(cols) != 0 {
					t.Errorf("Expected no columns, got %v", cols)
				}
			})

			t.Run("special characters round trip", func(t *testing.T) {
				store := newStore()

				rowkey := "user/../a|b c%"
				col := Column{Key: "sub|ject", Value: "multi\r\nline | 100%"}
				if err := store.AppendColumn(rowkey, col); err != nil {
					t.Fatalf("AppendColumn failed: %v", err)
				}

				cols, err := store.ReadRow(rowkey)
				if err != nil {
					t.Fatalf("ReadRow failed: %v", err)
				}
				if len(cols) != 1 || cols[0] != col {
					t.Errorf("Expected %v, got %v", col, cols)
				}

				keys, _ := store.Rows()
				if len(keys) != 1 || keys[0] != rowkey {
					t.Errorf("Expected rows [%q], got %q", rowkey, keys)
				}
			})

			t.Run("rows are sorted", func(t *testing.T) {
				store := newStore()

				for _, key := range []string{"charlie", "alpha", "bravo"} {
					store.AppendColumn(key, Column{"c", "v"})
				}

				keys, err := store.Rows()
				if err != nil {
					t.Fatalf("Rows failed: %v", err)
				}
				if fmt.Sprint(keys) != "[alpha bravo charlie]" {
					t.Errorf("Expected sorted rows, got %v", keys)
				}
			})

			t.Run("stats", func(t *testing.T) {
				store := newStore()

				store.AppendColumn("a", Column{"k1", "v1"})
				store.AppendColumn("a", Column{"k2", "value2"})
				store.AppendColumn("b", Column{"k", "v"})

				stats := store.Stats()
				if stats.Rows != 2 {
					t.Errorf("Expected 2 rows, got %d", stats.Rows)
				}
				if stats.Columns != 3 {
					t.Errorf("Expected 3 columns, got %d", stats.Columns)
				}
				// k1+v1 + k2+value2 + k+v
				if stats.Bytes != 4+8+2 {
					t.Errorf("Expected 14 bytes, got %d", stats.Bytes)
				}
			})

			t.Run("concurrent writes to distinct rows", func(t *testing.T) {
				store := newStore()
				var wg sync.WaitGroup

				numGoroutines := 10
				numAppends := 20
				for i := 0; i < numGoroutines; i++ {
					wg.Add(1)
					go func(id int) {
						defer wg.Done()
						rowkey := fmt.Sprintf("row%d", id)
						for j := 0; j < numAppends; j++ {
							if err := store.AppendColumn(rowkey, Column{fmt.Sprintf("c%d", j), "v"}); err != nil {
								t.Errorf("AppendColumn failed: %v", err)
							}
						}
					}(i)
				}
				wg.Wait()

				for i := 0; i < numGoroutines; i++ {
					cols, err := store.ReadRow(fmt.Sprintf("row%d", i))
					if err != nil {
						t.Fatalf("ReadRow failed: %v", err)
					}
					if len(cols) != numAppends {
						t.Errorf("row%d: expected %d columns, got %d", i, numAppends, len(cols))
					}
				}
			})
		})
	}
}

// TestMemoryStoreIsolation verifies returned rows can't modify stored data
func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	input := []Column{{"x", "1"}}
	store.WriteRow("row", input)

	input[0].Value = "mutated"
	cols, _ := store.ReadRow("row")
	if cols[0].Value != "1" {
		t.Errorf("WriteRow kept caller slice, got %q", cols[0].Value)
	}

	cols[0].Value = "mutated"
	again, _ := store.ReadRow("row")
	if again[0].Value != "1" {
		t.Errorf("ReadRow returned shared slice, got %q", again[0].Value)
	}
}

// TestStoreInterface verifies that every implementation satisfies RowStore
func TestStoreInterface(t *testing.T) {
	var _ RowStore = (*MemoryStore)(nil)
	var _ RowStore = (*FileStore)(nil)
	var _ RowStore = (*LogStore)(nil)
}
