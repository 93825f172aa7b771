// Package kvstore maps store backend names (memory, sqlite, postgres, redis)
// to constructors for registry.Store.
//
// Backends register themselves from an init function in their own package:
//
//	func init() {
//	    kvstore.Register("mybackend", func(ctx context.Context, cfg *config.Config) (registry.Store, error) {
//	        return Open(ctx, cfg.Store.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend so that config alone selects one.
package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/registry"
)

// OpenFunc creates a store from configuration.
type OpenFunc func(ctx context.Context, cfg *config.Config) (registry.Store, error)

var (
	mu      sync.RWMutex
	openers = make(map[string]OpenFunc)
)

// Register makes a backend available under name. Registering the same name
// twice replaces the earlier opener.
func Register(name string, open OpenFunc) {
	mu.Lock()
	defer mu.Unlock()
	openers[name] = open
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the store selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	mu.RLock()
	open, ok := openers[cfg.Store.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %q (registered: %s)", cfg.Store.Backend, strings.Join(Backends(), ", "))
	}
	return open(ctx, cfg)
}
