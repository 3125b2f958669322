package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
)

const migrationsTable = "strata_migrations"

// Runner executes migrations against a database. Executed migrations are
// tracked in strata_migrations with the batch number they ran in, so Down
// reverts exactly one batch.
type Runner struct {
	DB         *db.DB
	Migrations []*Migration

	// Extensions run before the first migration of every Up.
	Extensions []string
	// PostDDL runs after every successful Up, tolerating objects that
	// already exist. Search index DDL lands here.
	PostDDL []string
}

// Applied is one row of the bookkeeping table.
type Applied struct {
	ID         string    `json:"id"`
	Batch      int       `json:"batch"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Status reports executed and pending migrations.
type Status struct {
	Executed []Applied `json:"executed"`
	Pending  []string  `json:"pending"`
}

// Up applies every pending migration, each in its own transaction, all under
// one batch number.
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.ensureTable(ctx); err != nil {
		return 0, err
	}
	for _, ext := range r.Extensions {
		if err := r.execTolerant(ctx, ext); err != nil {
			return 0, err
		}
	}
	executed, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := r.pending(executed)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, r.runPostDDL(ctx)
	}

	batch := 1
	for _, a := range executed {
		if a.Batch >= batch {
			batch = a.Batch + 1
		}
	}
	for _, m := range pending {
		if err := r.apply(ctx, m, batch); err != nil {
			return 0, err
		}
		common.Logger.WithFields(logrus.Fields{"migration": m.ID, "batch": batch}).Info("migration applied")
	}
	if err := r.runPostDDL(ctx); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Down reverts the most recent batch.
func (r *Runner) Down(ctx context.Context) (int, error) {
	executed, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(executed) == 0 {
		return 0, nil
	}
	last := executed[len(executed)-1].Batch
	var targets []Applied
	for _, a := range executed {
		if a.Batch == last {
			targets = append(targets, a)
		}
	}
	return r.revert(ctx, targets)
}

// DownTo reverts migrations newer than id, keeping id itself applied.
func (r *Runner) DownTo(ctx context.Context, id string) (int, error) {
	executed, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	found := false
	var targets []Applied
	for _, a := range executed {
		if a.ID == id {
			found = true
			continue
		}
		if a.ID > id {
			targets = append(targets, a)
		}
	}
	if !found {
		return 0, common.E(common.KindMigrationConflict, "migration %q is not applied", id)
	}
	return r.revert(ctx, targets)
}

// Reset reverts every applied migration.
func (r *Runner) Reset(ctx context.Context) (int, error) {
	executed, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	return r.revert(ctx, executed)
}

// Fresh resets and immediately re-applies everything.
func (r *Runner) Fresh(ctx context.Context) (int, error) {
	if _, err := r.Reset(ctx); err != nil {
		return 0, err
	}
	return r.Up(ctx)
}

// Status lists applied and pending migrations.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.pending(executed)
	if err != nil {
		return nil, err
	}
	status := &Status{Executed: executed, Pending: make([]string, len(pending))}
	for i, m := range pending {
		status.Pending[i] = m.ID
	}
	return status, nil
}

func (r *Runner) apply(ctx context.Context, m *Migration, batch int) error {
	stmts, err := m.UpSQL()
	if err != nil {
		return err
	}
	return r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, stmt := range stmts {
			if err := r.DB.Exec(txCtx, stmt); err != nil {
				return common.E(common.KindMigrationConflict, "migration %s failed: %v", m.ID, err).WithCause(err)
			}
		}
		err := r.DB.Exec(txCtx,
			fmt.Sprintf("INSERT INTO %s (id, batch) VALUES ($1, $2)", migrationsTable), m.ID, batch)
		return err
	})
}

func (r *Runner) revert(ctx context.Context, targets []Applied) (int, error) {
	byID := map[string]*Migration{}
	for _, m := range r.Migrations {
		byID[m.ID] = m
	}
	count := 0
	for i := len(targets) - 1; i >= 0; i-- {
		applied := targets[i]
		m, ok := byID[applied.ID]
		if !ok {
			return count, common.E(common.KindMigrationConflict,
				"applied migration %q is missing from the migrations directory", applied.ID)
		}
		stmts, err := m.DownSQL()
		if err != nil {
			return count, err
		}
		err = r.DB.WithTransaction(ctx, func(txCtx context.Context) error {
			for _, stmt := range stmts {
				if err := r.DB.Exec(txCtx, stmt); err != nil {
					return common.E(common.KindMigrationConflict, "revert of %s failed: %v", m.ID, err).WithCause(err)
				}
			}
			err := r.DB.Exec(txCtx,
				fmt.Sprintf("DELETE FROM %s WHERE id = $1", migrationsTable), m.ID)
			return err
		})
		if err != nil {
			return count, err
		}
		count++
		common.Logger.WithField("migration", m.ID).Info("migration reverted")
	}
	return count, nil
}

// pending returns configured migrations not yet applied. An applied migration
// absent from the configured list is a conflict: the directory and the
// database disagree about history.
func (r *Runner) pending(executed []Applied) ([]*Migration, error) {
	known := map[string]bool{}
	for _, m := range r.Migrations {
		known[m.ID] = true
	}
	done := map[string]bool{}
	for _, a := range executed {
		if !known[a.ID] {
			return nil, common.E(common.KindMigrationConflict,
				"applied migration %q is missing from the migrations directory", a.ID)
		}
		done[a.ID] = true
	}
	var out []*Migration
	for _, m := range r.Migrations {
		if !done[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	err := r.DB.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id text PRIMARY KEY,
  batch integer NOT NULL,
  executed_at timestamptz NOT NULL DEFAULT now()
)`, migrationsTable))
	return err
}

func (r *Runner) applied(ctx context.Context) ([]Applied, error) {
	rows, err := r.DB.Query(ctx,
		fmt.Sprintf("SELECT id, batch, executed_at FROM %s ORDER BY id", migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.ID, &a.Batch, &a.ExecutedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) runPostDDL(ctx context.Context) error {
	for _, stmt := range r.PostDDL {
		if err := r.execTolerant(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Postgres SQLSTATE classes for objects that already exist.
const (
	pgDuplicateTable  = "42P07"
	pgDuplicateObject = "42710"
	pgDuplicateColumn = "42701"
)

func (r *Runner) execTolerant(ctx context.Context, stmt string) error {
	err := r.DB.Exec(ctx, stmt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDuplicateTable, pgDuplicateObject, pgDuplicateColumn:
			return nil
		}
	}
	return err
}
