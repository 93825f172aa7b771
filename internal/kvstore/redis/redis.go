// Package redis provides a registry.Store on Redis using WATCH/MULTI/EXEC
// optimistic transactions.
package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/telemetry"
)

const backendName = "redis"

// ErrTooManyConflicts is returned when an Update keeps losing to concurrent
// writers.
var ErrTooManyConflicts = errors.New("transaction aborted after repeated conflicts")

func init() {
	kvstore.Register(backendName, func(ctx context.Context, cfg *config.Config) (registry.Store, error) {
		rdb := NewClient(cfg.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Redis.Addr, err)
		}
		return New(rdb, cfg.Store.Redis.KeyPrefix, cfg.Store.Redis.MaxRetries), nil
	})
}

// NewClient builds a go-redis client from configuration.
func NewClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Store keeps each registry key as a Redis string. Every key read inside an
// Update is WATCHed, and staged writes go out in one MULTI/EXEC; if any
// watched key changed in between, the whole function is re-run.
type Store struct {
	rdb        *goredis.Client
	prefix     string
	maxRetries int
}

// New wraps rdb. Keys are stored as prefix + hex(key).
func New(rdb *goredis.Client, prefix string, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = 16
	}
	return &Store{rdb: rdb, prefix: prefix, maxRetries: maxRetries}
}

func (s *Store) redisKey(key []byte) string {
	return s.prefix + hex.EncodeToString(key)
}

type reader interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

type txn struct {
	s      *Store
	r      reader
	tx     *goredis.Tx // nil in views
	staged map[string][]byte
	order  []string
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	k := t.s.redisKey(key)
	if v, ok := t.staged[k]; ok {
		return v, true, nil
	}
	if t.tx != nil {
		if err := t.tx.Watch(ctx, k).Err(); err != nil {
			return nil, false, err
		}
	}
	v, err := t.r.Get(ctx, k).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

var errReadOnly = errors.New("write in read-only transaction")

func (t *txn) Put(_ context.Context, key, value []byte) error {
	if t.tx == nil {
		return errReadOnly
	}
	k := t.s.redisKey(key)
	if _, ok := t.staged[k]; !ok {
		t.order = append(t.order, k)
	}
	t.staged[k] = append([]byte{}, value...)
	return nil
}

// Update implements registry.Store. fn may run more than once.
func (s *Store) Update(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "update", time.Now())

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			t := &txn{s: s, r: tx, tx: tx, staged: make(map[string][]byte)}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.order) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				for _, k := range t.order {
					pipe.Set(ctx, k, t.staged[k], 0)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, goredis.TxFailedErr) {
			telemetry.StoreTxConflictsTotal.WithLabelValues(backendName).Inc()
			continue
		}
		return err
	}
	return ErrTooManyConflicts
}

// View implements registry.Store. Reads are not isolated from each other;
// registry reads tolerate this because member lists never change and each
// metadata write is a single key.
func (s *Store) View(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "view", time.Now())
	return fn(&txn{s: s, r: s.rdb})
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Close implements registry.Store.
func (s *Store) Close() error { return s.rdb.Close() }
