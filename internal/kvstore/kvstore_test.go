package kvstore_test

import (
	"context"
	"slices"
	"testing"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/kvstore"
	"github.com/group-allocator/group-registry/internal/registry"
)

type nopStore struct{}

func (nopStore) Update(context.Context, func(registry.Txn) error) error { return nil }
func (nopStore) View(context.Context, func(registry.Txn) error) error   { return nil }
func (nopStore) Ping(context.Context) error                             { return nil }
func (nopStore) Close() error                                           { return nil }

// ---------------------------------------------------------------------------
// Register / Open
// ---------------------------------------------------------------------------

func TestRegister_AddsBackend(t *testing.T) {
	kvstore.Register("test-backend", func(context.Context, *config.Config) (registry.Store, error) {
		return nopStore{}, nil
	})

	cfg := &config.Config{}
	cfg.Store.Backend = "test-backend"

	s, err := kvstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if s == nil {
		t.Fatal("Open() returned nil")
	}
	if !slices.Contains(kvstore.Backends(), "test-backend") {
		t.Errorf("Backends() = %v, want it to contain test-backend", kvstore.Backends())
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = "completely-unknown-backend"

	if _, err := kvstore.Open(context.Background(), cfg); err == nil {
		t.Error("Open() = nil error, want error for unregistered backend")
	}
}
