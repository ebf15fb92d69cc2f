// Package db holds the pipeline's Postgres access: row types, the query
// helpers each processor needs, and the two transactional paths (credit
// debit + photo create, face persistence) that carry the pipeline's
// atomicity guarantees.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors callers classify on.
var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("db: not found")
	// ErrInsufficientCredits aborts the upload transaction when the
	// photographer's unexpired balance is below one credit.
	ErrInsufficientCredits = errors.New("db: insufficient credits")
)

// DB wraps the Postgres pool.
type DB struct {
	x *sqlx.DB
	// now is overridable for tests.
	now func() time.Time
}

// Open connects and pings.
func Open(dbURL string) (*DB, error) {
	x, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	x.SetMaxOpenConns(20)
	x.SetMaxIdleConns(5)
	x.SetConnMaxLifetime(30 * time.Minute)

	return &DB{x: x, now: time.Now}, nil
}

// Pool exposes the underlying sqlx pool for components that run their own
// queries (the self-hosted face provider).
func (d *DB) Pool() *sqlx.DB {
	return d.x
}

// Ping verifies connectivity; used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.x.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.x.Close()
}
