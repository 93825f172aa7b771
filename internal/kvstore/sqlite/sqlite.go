// Package sqlite provides a single-file durable registry.Store using the
// pure-Go modernc SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/telemetry"
)

const backendName = "sqlite"

//go:embed schema.sql
var schemaSQL string

func init() {
	kvstore.Register(backendName, func(ctx context.Context, cfg *config.Config) (registry.Store, error) {
		return Open(ctx, cfg.Store.SQLite.Path)
	})
}

// Store keeps every registry key in one table. Write transactions start with
// BEGIN IMMEDIATE so concurrent writers queue on the database lock instead of
// failing at commit. Views run on a separate query-only pool with deferred
// transactions and read the last committed WAL snapshot.
type Store struct {
	db     *sqlx.DB
	reader *sqlx.DB
	path   string
}

const dsnPragmas = "?_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(10000)" +
	"&_pragma=synchronous(FULL)"

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path+dsnPragmas+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	reader, err := sqlx.Open("sqlite", path+dsnPragmas+"&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	reader.SetMaxOpenConns(8)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, reader: reader, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

type txn struct {
	tx *sqlx.Tx
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.GetContext(ctx, &v, `SELECT v FROM registry_kv WHERE k = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	// A zero-length blob may bind as NULL; COALESCE keeps it a blob.
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO registry_kv (k, v) VALUES (?, COALESCE(?, X''))
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		key, value)
	return err
}

// Update implements registry.Store.
func (s *Store) Update(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "update", time.Now())
	return s.run(ctx, s.db, nil, fn)
}

// View implements registry.Store.
func (s *Store) View(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "view", time.Now())
	return s.run(ctx, s.reader, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *Store) run(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(registry.Txn) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txn{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements registry.Store.
func (s *Store) Close() error {
	return errors.Join(s.reader.Close(), s.db.Close())
}
