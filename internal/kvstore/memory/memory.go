// Package memory provides an in-process registry.Store on top of an IPFS
// datastore. State is lost when the process exits.
package memory

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/telemetry"
)

const backendName = "memory"

func init() {
	kvstore.Register(backendName, func(context.Context, *config.Config) (registry.Store, error) {
		return New(), nil
	})
}

// ErrReadOnly is returned by Put inside a View.
var ErrReadOnly = errors.New("write in read-only transaction")

// Store serialises writers with a mutex and commits each transaction as a
// single datastore batch. Readers never observe a half-applied batch.
type Store struct {
	mu sync.RWMutex
	d  ds.Batching
}

// New returns an empty store backed by a map datastore.
func New() *Store {
	return NewWithDatastore(dssync.MutexWrap(ds.NewMapDatastore()))
}

// NewWithDatastore wraps an existing batching datastore. Registry keys live
// under the /registry namespace.
func NewWithDatastore(d ds.Batching) *Store {
	return &Store{d: namespace.Wrap(d, ds.NewKey("registry"))}
}

// dsKey hex-encodes raw registry keys; datastore keys are cleaned paths and
// would mangle arbitrary bytes.
func dsKey(key []byte) ds.Key {
	return ds.NewKey(hex.EncodeToString(key))
}

type txn struct {
	d        ds.Read
	readOnly bool
	staged   map[ds.Key][]byte
	order    []ds.Key
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	k := dsKey(key)
	if v, ok := t.staged[k]; ok {
		return v, true, nil
	}
	v, err := t.d.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) Put(_ context.Context, key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	k := dsKey(key)
	if _, ok := t.staged[k]; !ok {
		t.order = append(t.order, k)
	}
	v := make([]byte, len(value))
	copy(v, value)
	t.staged[k] = v
	return nil
}

// Update implements registry.Store.
func (s *Store) Update(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "update", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &txn{d: s.d, staged: make(map[ds.Key][]byte)}
	if err := fn(t); err != nil {
		return err
	}
	if len(t.order) == 0 {
		return nil
	}

	b, err := s.d.Batch(ctx)
	if err != nil {
		return fmt.Errorf("failed to open batch: %w", err)
	}
	for _, k := range t.order {
		if err := b.Put(ctx, k, t.staged[k]); err != nil {
			return fmt.Errorf("failed to stage %s: %w", k, err)
		}
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// View implements registry.Store.
func (s *Store) View(ctx context.Context, fn func(registry.Txn) error) error {
	defer telemetry.ObserveStoreTx(backendName, "view", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txn{d: s.d, readOnly: true})
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close closes the underlying datastore.
func (s *Store) Close() error { return s.d.Close() }
