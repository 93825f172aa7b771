// Package storetest is a conformance suite shared by every registry.Store
// backend. Each backend's tests call Run with a constructor for a fresh,
// empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/group-allocator/group-registry/internal/registry"
)

// Factory returns a new empty store. The suite closes it.
type Factory func(t *testing.T) registry.Store

// Options tunes the suite for slower backends.
type Options struct {
	// Concurrency is the number of parallel writers in the race tests.
	Concurrency int
}

var errAbort = errors.New("abort transaction")

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory, opts Options) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}

	open := func(t *testing.T) registry.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("Store", func(t *testing.T) {
		t.Run("MissingKey", func(t *testing.T) { testMissingKey(t, open(t)) })
		t.Run("PutThenGet", func(t *testing.T) { testPutThenGet(t, open(t)) })
		t.Run("EmptyValueIsPresent", func(t *testing.T) { testEmptyValue(t, open(t)) })
		t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, open(t)) })
		t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
		t.Run("Ping", func(t *testing.T) { require.NoError(t, open(t).Ping(context.Background())) })
	})

	t.Run("Registry", func(t *testing.T) {
		t.Run("Scenarios", func(t *testing.T) { testScenarios(t, open(t)) })
		t.Run("OwnerPersisted", func(t *testing.T) { testOwnerPersisted(t, open(t)) })
		t.Run("ConcurrentDistinctIDs", func(t *testing.T) { testConcurrentDistinct(t, open(t), opts.Concurrency) })
		t.Run("ConcurrentSameID", func(t *testing.T) { testConcurrentSame(t, open(t), opts.Concurrency) })
	})
}

func testMissingKey(t *testing.T, s registry.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(txn registry.Txn) error {
		v, found, err := txn.Get(ctx, []byte("absent"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func testPutThenGet(t *testing.T, s registry.Store) {
	ctx := context.Background()
	key := registry.MembersKey(7)
	require.NoError(t, s.Update(ctx, func(txn registry.Txn) error {
		return txn.Put(ctx, key, []byte("alice,bob"))
	}))
	require.NoError(t, s.Update(ctx, func(txn registry.Txn) error {
		return txn.Put(ctx, key, []byte("carol"))
	}))

	require.NoError(t, s.View(ctx, func(txn registry.Txn) error {
		v, found, err := txn.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "carol", string(v))
		return nil
	}))
}

func testEmptyValue(t *testing.T, s registry.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(txn registry.Txn) error {
		return txn.Put(ctx, []byte("empty"), []byte{})
	}))
	require.NoError(t, s.View(ctx, func(txn registry.Txn) error {
		v, found, err := txn.Get(ctx, []byte("empty"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Empty(t, v)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, s registry.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(txn registry.Txn) error {
		if err := txn.Put(ctx, []byte("k"), []byte("v1")); err != nil {
			return err
		}
		v, found, err := txn.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v1", string(v))
		return nil
	}))
}

func testRollback(t *testing.T, s registry.Store) {
	ctx := context.Background()
	err := s.Update(ctx, func(txn registry.Txn) error {
		if err := txn.Put(ctx, []byte("a"), []byte("1")); err != nil {
			return err
		}
		if err := txn.Put(ctx, []byte("b"), []byte("2")); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.NoError(t, s.View(ctx, func(txn registry.Txn) error {
		for _, k := range []string{"a", "b"} {
			_, found, err := txn.Get(ctx, []byte(k))
			require.NoError(t, err)
			assert.False(t, found, "key %q visible after rollback", k)
		}
		return nil
	}))
}

// testScenarios walks the reference scenarios for a registry owned by
// OwnerA.
func testScenarios(t *testing.T, s registry.Store) {
	ctx := context.Background()
	const owner = registry.Principal("OwnerA")

	r, err := registry.New(ctx, s, owner)
	require.NoError(t, err)

	total, err := r.TotalGroups(ctx)
	require.NoError(t, err)
	require.Zero(t, total)

	// Successful create.
	require.NoError(t, r.CreateGroup(ctx, 1, registry.JoinMembers("alice", "bob"), registry.MetadataHashFromString("hashA")))
	members, err := r.Members(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice,bob", members.String())
	meta, err := r.Metadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hashA", meta.String())
	total, err = r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Duplicate create leaves everything untouched.
	err = r.CreateGroup(ctx, 1, registry.JoinMembers("carol"), registry.MetadataHashFromString("hashB"))
	require.ErrorIs(t, err, registry.ErrAlreadyExists)
	rec, err := r.Group(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice,bob", rec.Members.String())
	assert.Equal(t, "hashA", rec.Metadata.String())
	total, err = r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Owner updates metadata.
	require.NoError(t, r.UpdateMetadata(ctx, owner, 1, registry.MetadataHashFromString("hashC")))
	rec, err = r.Group(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hashC", rec.Metadata.String())
	assert.Equal(t, "alice,bob", rec.Members.String())

	// Repeating the same update is accepted each time.
	for i := 0; i < 2; i++ {
		require.NoError(t, r.UpdateMetadata(ctx, owner, 1, registry.MetadataHashFromString("hashC")))
		meta, err = r.Metadata(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "hashC", meta.String())
	}
	total, err = r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Non-owner is rejected.
	err = r.UpdateMetadata(ctx, "Eve", 1, registry.MetadataHashFromString("hashD"))
	require.ErrorIs(t, err, registry.ErrUnauthorized)
	meta, err = r.Metadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hashC", meta.String())

	// Non-owner on a missing group still sees Unauthorized first.
	err = r.UpdateMetadata(ctx, "Eve", 2, registry.MetadataHashFromString("x"))
	require.ErrorIs(t, err, registry.ErrUnauthorized)

	// Owner on a missing group.
	err = r.UpdateMetadata(ctx, owner, 2, registry.MetadataHashFromString("hashE"))
	require.ErrorIs(t, err, registry.ErrNotFound)
	_, err = r.Members(ctx, 2)
	require.ErrorIs(t, err, registry.ErrNotFound)
	_, err = r.Metadata(ctx, 2)
	require.ErrorIs(t, err, registry.ErrNotFound)

	total, err = r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Empty member list and metadata are legitimate values.
	require.NoError(t, r.CreateGroup(ctx, 0, registry.MemberList{}, registry.MetadataHash{}))
	err = r.CreateGroup(ctx, 0, registry.JoinMembers("dave"), registry.MetadataHash{})
	require.ErrorIs(t, err, registry.ErrAlreadyExists)
	rec, err = r.Group(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, rec.Members.Len())
}

func testOwnerPersisted(t *testing.T, s registry.Store) {
	ctx := context.Background()
	_, err := registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)

	r, err := registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)
	assert.Equal(t, registry.Principal("OwnerA"), r.Owner())

	_, err = registry.New(ctx, s, "Mallory")
	require.ErrorIs(t, err, registry.ErrOwnerMismatch)
}

func testConcurrentDistinct(t *testing.T, s registry.Store, n int) {
	ctx := context.Background()
	r, err := registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := registry.GroupID(1000 + i)
		g.Go(func() error {
			return r.CreateGroup(ctx, id, registry.JoinMembers(fmt.Sprintf("m%d", id)), registry.MetadataHashFromString("h"))
		})
	}
	require.NoError(t, g.Wait())

	total, err := r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, n, total)

	for i := 0; i < n; i++ {
		id := registry.GroupID(1000 + i)
		m, err := r.Members(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", id), m.String())
	}
}

func testConcurrentSame(t *testing.T, s registry.Store, n int) {
	ctx := context.Background()
	r, err := registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)

	var ok, dup atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			err := r.CreateGroup(ctx, 42, registry.JoinMembers(fmt.Sprintf("writer%d", i)), registry.MetadataHashFromString("h"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, registry.ErrAlreadyExists):
				dup.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, dup.Load())

	total, err := r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}
