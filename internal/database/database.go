// Package database provides the PostgreSQL-backed media catalog: asset rows,
// capture metadata, the encoding-profile settings record, and the per-asset
// processing lock built on advisory locks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"photoflow/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Database wraps the shared connection pool for the media catalog.
type Database struct {
	pool *pgxpool.Pool
	dsn  string
}

// New connects to the catalog and verifies the connection.
func New(ctx context.Context, dsn string) (*Database, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	// Processing locks each pin one connection for the duration of a
	// generation attempt, so keep headroom above the worker concurrency.
	if config.MaxConns < 10 {
		config.MaxConns = 10
	}
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{pool: pool, dsn: dsn}, nil
}

// Migrate runs the embedded goose migrations.
func (d *Database) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", d.dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	logging.Info("database migrations up to date")
	return nil
}

// Ping reports catalog reachability, used by the readiness probe.
func (d *Database) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the connection pool.
func (d *Database) Close() {
	d.pool.Close()
}
