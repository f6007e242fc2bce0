// Package sqlite implements internal/store.Store on top of
// github.com/ncruces/go-sqlite3, the pure-Go (wazero) SQLite driver the
// teacher already depends on (internal/storage/sqlite, internal/comment).
// Vector similarity (spec §4.6) is computed application-side over a small
// per-application candidate set rather than via a vector-search extension;
// see SPEC_FULL.md §B for why that keeps the dependency surface grounded
// in the teacher's own choices instead of introducing pgvector et al.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is the SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. A single *sql.DB is used for both reads and writes;
// admission-critical mutations use BEGIN IMMEDIATE (tx.go) to serialize
// against SQLite's single-writer model rather than capping pool size,
// which would otherwise also serialize unrelated read traffic.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
