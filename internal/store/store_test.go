package store

import (
	"context"
	"path/filepath"
	"testing"
)

// testStore opens a database in a temp dir with the schema applied.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// TestOpen_CreatesParentDirs tests that Open creates missing directories.
func TestOpen_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}
}

// TestInitSchema_CreatesTables tests schema creation.
func TestInitSchema_CreatesTables(t *testing.T) {
	st := testStore(t)

	tables := []string{
		"cards", "sets", "artists",
		"card_colors", "card_color_identity", "card_keywords",
		"card_finishes", "card_multiverse_ids", "card_legalities",
		"sync_runs", "sync_claim",
	}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := st.RawDB().QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema creation can run twice.
func TestInitSchema_Idempotent(t *testing.T) {
	st := testStore(t)

	if err := st.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestCounts_Empty tests counts on a fresh database.
func TestCounts_Empty(t *testing.T) {
	st := testStore(t)

	cards, sets, artists, err := st.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if cards != 0 || sets != 0 || artists != 0 {
		t.Errorf("Counts() = %d, %d, %d, want all zero", cards, sets, artists)
	}
}
