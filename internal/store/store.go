// Package store provides the SQLite persistence layer for the card catalog.
//
// The database runs embedded with WAL mode so status polls and browse
// reads can proceed while an ingestion run is writing. Each catalog item
// is a row in cards plus fully-normalized child rows for every
// multi-valued attribute; sets and artists are deduplicated reference
// tables created lazily during ingestion.
//
// Writes are scoped to short transactions: one per card upsert, one per
// progress checkpoint. No lock is held across a batch.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with catalog-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL keeps readers unblocked while a sync run writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Reference entities: deduplicated, append-only
	CREATE TABLE IF NOT EXISTS sets (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		set_type TEXT,
		released_at TEXT,
		digital INTEGER NOT NULL DEFAULT 0,
		scryfall_uri TEXT,
		icon_svg_uri TEXT
	);

	CREATE TABLE IF NOT EXISTS artists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	-- One row per catalog item, keyed by the stable external ID
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		oracle_id TEXT,
		name TEXT NOT NULL,
		lang TEXT NOT NULL DEFAULT 'en',
		released_at TEXT,
		uri TEXT,
		scryfall_uri TEXT,
		layout TEXT,
		image_status TEXT,
		image_uris TEXT,  -- JSON object
		mana_cost TEXT,
		cmc REAL,
		type_line TEXT,
		oracle_text TEXT,
		flavor_text TEXT,
		power TEXT,
		toughness TEXT,
		loyalty TEXT,
		collector_number TEXT,
		rarity TEXT,
		digital INTEGER NOT NULL DEFAULT 0,
		full_art INTEGER NOT NULL DEFAULT 0,
		textless INTEGER NOT NULL DEFAULT 0,
		booster INTEGER NOT NULL DEFAULT 0,
		story_spotlight INTEGER NOT NULL DEFAULT 0,
		border_color TEXT,
		frame TEXT,
		security_stamp TEXT,
		prices TEXT,         -- JSON object
		purchase_uris TEXT,  -- JSON object
		related_uris TEXT,   -- JSON object
		set_code TEXT,
		set_name TEXT,
		set_type TEXT,
		artist_id INTEGER,
		content_hash TEXT NOT NULL,
		FOREIGN KEY (set_code) REFERENCES sets(code),
		FOREIGN KEY (artist_id) REFERENCES artists(id)
	);

	-- Child tables: one per multi-valued attribute, keyed (card_id, value).
	-- Replaced wholesale on every card update.
	CREATE TABLE IF NOT EXISTS card_colors (
		card_id TEXT NOT NULL,
		color TEXT NOT NULL,
		PRIMARY KEY (card_id, color),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS card_color_identity (
		card_id TEXT NOT NULL,
		color TEXT NOT NULL,
		PRIMARY KEY (card_id, color),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS card_keywords (
		card_id TEXT NOT NULL,
		keyword TEXT NOT NULL,
		PRIMARY KEY (card_id, keyword),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS card_finishes (
		card_id TEXT NOT NULL,
		finish TEXT NOT NULL,
		PRIMARY KEY (card_id, finish),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS card_multiverse_ids (
		card_id TEXT NOT NULL,
		multiverse_id INTEGER NOT NULL,
		PRIMARY KEY (card_id, multiverse_id),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS card_legalities (
		card_id TEXT NOT NULL,
		format TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (card_id, format),
		FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
	);

	-- One row per ingestion attempt
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		total_count INTEGER,
		processed_count INTEGER NOT NULL DEFAULT 0,
		inserted_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		unchanged_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	-- Single-row claim enforcing at-most-one running sync, valid across
	-- process restarts
	CREATE TABLE IF NOT EXISTS sync_claim (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		run_id TEXT NOT NULL,
		claimed_at TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_cards_name ON cards(name);
	CREATE INDEX IF NOT EXISTS idx_cards_set ON cards(set_code);
	CREATE INDEX IF NOT EXISTS idx_cards_artist ON cards(artist_id);
	CREATE INDEX IF NOT EXISTS idx_cards_rarity ON cards(rarity);
	CREATE INDEX IF NOT EXISTS idx_legalities_format ON card_legalities(format, status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON sync_runs(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Counts returns the number of cards, sets, and artists in the catalog.
func (s *Store) Counts(ctx context.Context) (cards, sets, artists int64, err error) {
	if err = s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cards").Scan(&cards); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count cards: %w", err)
	}
	if err = s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sets").Scan(&sets); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count sets: %w", err)
	}
	if err = s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM artists").Scan(&artists); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count artists: %w", err)
	}
	return cards, sets, artists, nil
}
