package truth

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed Truth Store, one of the two production
// backends behind the shared sqlStore implementation (SPEC_FULL.md §12.2).
// Grounded on the teacher's SQLiteStore[S] (graph/store/sqlite.go): single
// writer via a one-connection pool, WAL mode for concurrent readers, a
// busy_timeout standing in for lock-wait tolerance across Flows.
//
// SQLite's single-writer transaction already serializes every write, so
// sqlStore.Begin skips the extra row-lock query it issues for MySQL.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) a SQLite database at path and ensures the
// Truth Store schema exists. path may be ":memory:" for tests, matching the
// teacher's own in-memory testing convention (graph/store/sqlite_test.go).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("truth: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("truth: %s: %w", pragma, err)
		}
	}

	s := &sqlStore{db: db, dialect: "sqlite"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.sqlStore.db.Close() }
