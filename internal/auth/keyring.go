package auth

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/group-allocator/group-registry/internal/config"
)

// Keyring maps API keys to principals by bcrypt hash. bcrypt is slow on
// purpose, so successful verifications are remembered in an LRU keyed by the
// SHA-256 of the presented key. The cache is purged whenever the entries are
// replaced, which also revokes removed keys.
type Keyring struct {
	prefix string

	mu      sync.RWMutex
	entries []config.KeyringEntry
	gen     uint64
	cache   *lru.Cache[[sha256.Size]byte, string]
}

// NewKeyring creates an empty keyring. Keys not starting with prefix are
// never looked up.
func NewKeyring(prefix string, cacheSize int) (*Keyring, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[[sha256.Size]byte, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create API key cache: %w", err)
	}
	return &Keyring{prefix: prefix, cache: cache}, nil
}

// Replace swaps in a new set of entries.
func (k *Keyring) Replace(entries []config.KeyringEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = append([]config.KeyringEntry(nil), entries...)
	k.gen++
	k.cache.Purge()
}

// Len is the number of keyring entries.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Owns reports whether token looks like one of our API keys.
func (k *Keyring) Owns(token string) bool {
	return k.prefix != "" && strings.HasPrefix(token, k.prefix)
}

// Lookup returns the principal that key authenticates.
func (k *Keyring) Lookup(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))
	if principal, ok := k.cache.Get(digest); ok {
		return principal, true
	}

	k.mu.RLock()
	entries, gen := k.entries, k.gen
	k.mu.RUnlock()

	for _, e := range entries {
		if e.Prefix != "" && !strings.HasPrefix(key, e.Prefix) {
			continue
		}
		if !ValidateAPIKey(key, e.Hash) {
			continue
		}
		k.mu.RLock()
		if k.gen == gen {
			k.cache.Add(digest, e.Principal)
		}
		k.mu.RUnlock()
		return e.Principal, true
	}
	return "", false
}
