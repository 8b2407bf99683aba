// Package migrations applies the embedded SQL migration set to Postgres,
// tracking which files have already run in the _ayb_migrations table.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Applied describes a migration row already recorded.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Runner applies migration files from an fs.FS against a connection pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	src    fs.FS
}

// NewRunner returns a Runner backed by the module's embedded sql/ directory.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return NewRunnerWithFS(pool, logger, embeddedMigrations)
}

// NewRunnerWithFS returns a Runner that reads migration files from src
// instead of the embedded set. Used by tests to exercise failure paths.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, src fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, src: src}
}

// Bootstrap creates the _ayb_migrations tracking table if it does not exist.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS _ayb_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("bootstrapping migrations table: %w", err)
	}
	return nil
}

// Run applies every migration file under sql/ not yet recorded, in filename
// order, each inside its own transaction. It returns the count applied and
// stops at the first failure, leaving later migrations unapplied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	names, err := r.pendingNames(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, name := range names {
		data, err := fs.ReadFile(r.src, "sql/"+name)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("beginning transaction for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("applying migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO _ayb_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("recording migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("committing migration %s: %w", name, err)
		}

		r.logger.Info("applied migration", "name", name)
		applied++
	}
	return applied, nil
}

// GetApplied returns every recorded migration ordered by name.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, applied_at FROM _ayb_migrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) pendingNames(ctx context.Context) ([]string, error) {
	entries, err := fs.ReadDir(r.src, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading sql directory: %w", err)
	}

	applied, err := r.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		done[a.Name] = struct{}{}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := done[e.Name()]; ok {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
