package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/group-allocator/group-registry/internal/config"
	"github.com/group-allocator/group-registry/internal/kvstore/storetest"
	"github.com/group-allocator/group-registry/internal/registry"
)

// redisAddr returns GRP_TEST_REDIS_ADDR when set and otherwise starts an
// in-process miniredis for the test.
func redisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("GRP_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return miniredis.RunT(t).Addr()
}

func TestRedisKey(t *testing.T) {
	s := New(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "grp:", 0)
	defer s.Close()

	assert.Equal(t, "grp:746f74616c5f67726f757073", s.redisKey(registry.TotalGroupsKey))
	assert.Equal(t, "grp:6d656d626572735f0000000000000001", s.redisKey(registry.MembersKey(1)))
	assert.Equal(t, 16, s.maxRetries)
}

func TestNewClient_UsesConfig(t *testing.T) {
	rdb := NewClient(config.RedisConfig{Addr: "cache:6380", Username: "u", Password: "p", DB: 3})
	defer rdb.Close()

	opts := rdb.Options()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, 3, opts.DB)
}

func TestView_RejectsWrites(t *testing.T) {
	s := New(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "grp:", 0)
	defer s.Close()

	err := s.View(context.Background(), func(txn registry.Txn) error {
		return txn.Put(context.Background(), []byte("k"), []byte("v"))
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) registry.Store {
		addr := redisAddr(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		prefix := fmt.Sprintf("grp-test:%s:%d:", t.Name(), time.Now().UnixNano())
		t.Cleanup(func() {
			ctx := context.Background()
			cleanup := goredis.NewClient(&goredis.Options{Addr: addr})
			defer cleanup.Close()
			iter := cleanup.Scan(ctx, 0, prefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				cleanup.Del(ctx, iter.Val())
			}
		})
		return New(rdb, prefix, 64)
	}, storetest.Options{Concurrency: 8})
}
