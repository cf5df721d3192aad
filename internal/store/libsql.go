package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Suitable for single-process deployments and tests.
type LibSQLStore struct {
	*sqlStore
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One write connection keeps status compare-and-swaps serialized.
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{sqlStore: newSQLStore(db, libsqlDialect{}, libsqlMigrations)}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

type libsqlDialect struct{}

func (libsqlDialect) name() string               { return "libsql" }
func (libsqlDialect) rebind(query string) string { return query }
func (libsqlDialect) claimLock() string          { return "" }
func (libsqlDialect) returningID() bool          { return false }

func (libsqlDialect) isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

var _ Store = (*LibSQLStore)(nil)
