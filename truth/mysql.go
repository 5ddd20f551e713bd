package truth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the MySQL-backed Truth Store, the second production backend
// behind sqlStore (SPEC_FULL.md §12.2). Grounded on the teacher's
// MySQLStore[S] (graph/store/mysql.go): pooled connections, and — unlike
// SQLite — an explicit "SELECT ... FOR UPDATE" against the flows table to
// realize spec.md §5's per-Flow exclusive row lock under a dialect that
// allows multiple concurrent writers.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore opens a MySQL/MariaDB connection pool against dsn and
// ensures the Truth Store schema exists.
//
// dsn follows the driver's usual shape, e.g.
// "user:password@tcp(localhost:3306)/flowspec?parseTime=true". Credentials
// should come from the caller's own configuration/secret store, never be
// hardcoded.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("truth: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("truth: ping mysql: %w", err)
	}

	s := &sqlStore{db: db, dialect: "mysql"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.sqlStore.db.Close() }
