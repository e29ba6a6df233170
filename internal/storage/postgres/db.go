// Package postgres provides Postgres-backed linkback stores.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkback/internal/linkback"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// DB owns the pool shared by the backlink and attempt stores.
type DB struct {
	pool      pool
	backlinks *BacklinkStore
	attempts  *AttemptStore
}

// Open connects to Postgres using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p)
}

// NewWithPool builds a DB from an existing pool (primarily for testing).
func NewWithPool(p pool) (*DB, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &DB{
		pool:      p,
		backlinks: &BacklinkStore{pool: p},
		attempts:  &AttemptStore{pool: p},
	}, nil
}

// Backlinks returns the inbound backlink store.
func (db *DB) Backlinks() *BacklinkStore { return db.backlinks }

// Attempts returns the outbound ping attempt store.
func (db *DB) Attempts() *AttemptStore { return db.attempts }

// Migrate creates the tables and indexes when they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

// splitRef flattens an optional reference into two non-null columns.
func splitRef(ref *linkback.Reference) (string, string) {
	if ref == nil {
		return "", ""
	}
	return ref.Kind, ref.ID
}

func joinRef(kind, id string) *linkback.Reference {
	if kind == "" && id == "" {
		return nil
	}
	return &linkback.Reference{Kind: kind, ID: id}
}
