package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/generic/store"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

const col = generic.Collection("branches/b1/items")

func TestMemory_TransactionCommitsAllWrites(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		require.NoError(t, tx.Set(col, "a", item{Name: "a", Count: 1}))
		require.NoError(t, tx.Create(col, "b", item{Name: "b", Count: 2}))
		return tx.Increment(col, "a", "count", decimal.NewFromInt(4))
	})
	require.NoError(t, err)

	var a item
	found, err := m.Get(ctx, col, "a", &a)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, a.Count)

	found, err = m.Get(ctx, col, "b", &item{})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemory_TransactionRollsBackOnError(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		_ = tx.Set(col, "a", item{Name: "a"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	found, err := m.Get(ctx, col, "a", &item{})
	require.NoError(t, err)
	assert.False(t, found, "nothing may persist from an aborted transaction")
}

func TestMemory_CreateConflictAbortsWholeCommit(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Commit(ctx, []generic.Write{{Kind: generic.WriteSet, Collection: col, ID: "dup", Value: item{Name: "x"}}}))

	err := m.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		_ = tx.Set(col, "other", item{Name: "other"})
		return tx.Create(col, "dup", item{Name: "y"})
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyExists)

	found, _ := m.Get(ctx, col, "other", &item{})
	assert.False(t, found, "earlier writes in the same commit must not survive")
}

func TestMemory_ReadAfterWriteRejected(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		_ = tx.Set(col, "a", item{Name: "a"})
		_, err := tx.Get(ctx, col, "a", &item{})
		return err
	})
	assert.ErrorIs(t, err, generic.ErrReadAfterWrite)
}

func TestMemory_StagedValueIsSnapshotted(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		v := &item{Name: "before"}
		_ = tx.Set(col, "a", v)
		v.Name = "after"
		return nil
	})
	require.NoError(t, err)

	var got item
	_, _ = m.Get(ctx, col, "a", &got)
	assert.Equal(t, "before", got.Name)
}

func TestMemory_CommitHonoursVersionPrecondition(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Commit(ctx, []generic.Write{{Kind: generic.WriteSet, Collection: col, ID: "a", Value: item{Name: "v1"}}}))

	docs, err := m.Find(ctx, col, generic.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	seen := docs[0].Version

	// Concurrent edit bumps the version.
	require.NoError(t, m.Commit(ctx, []generic.Write{{Kind: generic.WriteSet, Collection: col, ID: "a", Value: item{Name: "v2"}}}))

	err = m.Commit(ctx, []generic.Write{{Kind: generic.WriteSet, Collection: col, ID: "a", Value: item{Name: "v3"}, IfVersion: seen}})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	var got item
	_, _ = m.Get(ctx, col, "a", &got)
	assert.Equal(t, "v2", got.Name)
}

func TestMemory_IncrementOutsideTransaction(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Increment(ctx, col, "counter", "value", decimal.NewFromInt(1))
		require.NoError(t, err)
	}
	v, err := m.Increment(ctx, col, "counter", "value", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.IntPart())
}
