// Package postgres provides a registry.Store over the registry_kv table
// created by the embedded migrations in internal/db.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/db"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/telemetry"
)

const backendName = "postgres"

func init() {
	kvstore.Register(backendName, func(ctx context.Context, cfg *config.Config) (registry.Store, error) {
		return Open(ctx, &cfg.Database)
	})
}

// Store runs each registry transaction as a PostgreSQL transaction. Reads in
// write transactions take row locks (SELECT ... FOR UPDATE); since the counter
// row always exists, every creator queues on it.
type Store struct {
	db *sqlx.DB
}

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	sqlDB, err := db.Connect(ctx, cfg.GetDSN(), cfg.MaxConnections, cfg.MinIdleConnections)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(sqlDB, "up"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return New(sqlDB), nil
}

// New wraps an already migrated database.
func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(sqlDB, "postgres")}
}

// DB exposes the pool for callers that share it (audit repository, stats).
func (s *Store) DB() *sql.DB { return s.db.DB }

type txn struct {
	tx        *sqlx.Tx
	forUpdate bool
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	query := `SELECT v FROM registry_kv WHERE k = $1`
	if t.forUpdate {
		query += ` FOR UPDATE`
	}
	var v []byte
	err := t.tx.GetContext(ctx, &v, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO registry_kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = now()`,
		key, value)
	return err
}

// Update implements registry.Store.
func (s *Store) Update(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "update", time.Now())
	return s.run(ctx, nil, true, fn)
}

// View implements registry.Store.
func (s *Store) View(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "view", time.Now())
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, false, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, forUpdate bool, fn func(registry.Txn) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txn{tx: tx, forUpdate: forUpdate}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements registry.Store.
func (s *Store) Close() error { return s.db.Close() }
