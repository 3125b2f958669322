// Package db wraps the PostgreSQL connection pool, the ambient transaction
// context, the realtime change log and its LISTEN/NOTIFY subscriber.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor is the subset of pgx shared by the pool and an open transaction.
// Every query in the engine goes through an Executor so the same code runs
// inside and outside transactions.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool. The pool is safe for concurrent
// use; each transactional operation claims a connection for its duration.
type DB struct {
	pool *pgxpool.Pool

	// OnAfterCommitError observes failures of queued after-commit
	// callbacks. Defaults to logging; never surfaces to the caller.
	OnAfterCommitError func(error)
}

// New creates a database handle from a standard PostgreSQL connection
// string:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool exposes the underlying pool for listeners and advanced operations.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Executor returns the ambient transaction when the context carries one,
// otherwise the pool.
func (d *DB) Executor(ctx context.Context) Executor {
	if tx := ambientTx(ctx); tx != nil {
		return tx
	}
	return d.pool
}

// Exec runs a statement through the ambient executor.
func (d *DB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := d.Executor(ctx).Exec(ctx, sql, args...)
	return err
}

// Query runs a query through the ambient executor. Caller closes the rows.
func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.Executor(ctx).Query(ctx, sql, args...)
}

// QueryRow runs a single-row query through the ambient executor.
func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.Executor(ctx).QueryRow(ctx, sql, args...)
}
