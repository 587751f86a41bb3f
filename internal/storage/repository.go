package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Queryable is satisfied by both *sql.DB and *sql.Tx.
type Queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo is embedded by every repository. now is replaceable in tests.
type repo struct {
	db  *DB
	now func() time.Time
}

func newRepo(db *DB) repo {
	return repo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GenerateID returns a new random primary key.
func GenerateID() string {
	return uuid.NewString()
}
