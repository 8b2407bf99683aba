// Package postgres wraps pgxpool.Pool with the connection-pool defaults and
// startup checks smsgw's components share.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls pool construction.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	HealthCheckSecs int
}

// Pool wraps a pgxpool.Pool with a logger for lifecycle messages.
type Pool struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// New parses Config.URL, opens a connection pool, and pings it before
// returning. Both parse and connectivity failures are returned wrapped so
// callers can distinguish configuration mistakes from transient outages.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.HealthCheckSecs > 0 {
		poolCfg.HealthCheckPeriod = time.Duration(cfg.HealthCheckSecs) * time.Second
	}

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("connected to database", "max_conns", poolCfg.MaxConns, "min_conns", poolCfg.MinConns)
	return &Pool{db: db, logger: logger}, nil
}

// DB returns the underlying pgxpool.Pool for callers that need direct query access.
func (p *Pool) DB() *pgxpool.Pool {
	return p.db
}

// Close releases all pooled connections.
func (p *Pool) Close() {
	p.db.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
