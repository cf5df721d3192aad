package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements the Store interface against PostgreSQL for
// multi-process deployments where several workers share one database.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{sqlStore: newSQLStore(db, postgresDialect{}, postgresMigrations)}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *PostgresStore) DB() *sql.DB { return s.db }

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

// rebind rewrites ? placeholders to $1..$n. Query text never contains a
// literal question mark outside placeholders.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// claimLock lets concurrent claimers skip rows another transaction already
// selected instead of blocking on them.
func (postgresDialect) claimLock() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) returningID() bool { return true }

func (postgresDialect) isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
