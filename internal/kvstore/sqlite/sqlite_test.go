package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/group-allocator/group-registry/internal/kvstore/storetest"
	"github.com/group-allocator/group-registry/internal/registry"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) registry.Store { return openTemp(t) }, storetest.Options{Concurrency: 8})
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "registry.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestState_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	r, err := registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)
	require.NoError(t, r.CreateGroup(ctx, 1, registry.JoinMembers("alice", "bob"), registry.MetadataHashFromString("hashA")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	_, err = registry.New(ctx, s, "Eve")
	require.ErrorIs(t, err, registry.ErrOwnerMismatch)

	r, err = registry.New(ctx, s, "OwnerA")
	require.NoError(t, err)
	rec, err := r.Group(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice,bob", rec.Members.String())
	total, err := r.TotalGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	defer s.Close()

	boom := errors.New("boom")
	err := s.Update(ctx, func(txn registry.Txn) error {
		require.NoError(t, txn.Put(ctx, []byte("k"), []byte("v")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM registry_kv`))
	assert.Zero(t, n)
}

func TestView_NotBlockedByOpenWrite(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	defer s.Close()

	require.NoError(t, s.Update(ctx, func(txn registry.Txn) error {
		return txn.Put(ctx, []byte("k"), []byte("committed"))
	}))

	writing := make(chan struct{})
	release := make(chan struct{})
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.Update(ctx, func(txn registry.Txn) error {
			if err := txn.Put(ctx, []byte("k"), []byte("pending")); err != nil {
				return err
			}
			close(writing)
			<-release
			return nil
		})
	}()
	<-writing

	viewDone := make(chan error, 1)
	var seen string
	go func() {
		viewDone <- s.View(ctx, func(txn registry.Txn) error {
			v, _, err := txn.Get(ctx, []byte("k"))
			seen = string(v)
			return err
		})
	}()

	select {
	case err := <-viewDone:
		require.NoError(t, err)
		assert.Equal(t, "committed", seen)
	case <-time.After(2 * time.Second):
		t.Fatal("view waited on the writer")
	}

	close(release)
	require.NoError(t, <-writeDone)
}

func TestView_IsQueryOnly(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	defer s.Close()

	err := s.View(ctx, func(txn registry.Txn) error {
		return txn.Put(ctx, []byte("k"), []byte("v"))
	})
	require.Error(t, err)
}
