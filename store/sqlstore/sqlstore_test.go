package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/generic"
)

type counterDoc struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

const testCol = generic.Collection("branches/b1/things")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", ":memory:", Options{MaxAttempts: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", SQLite.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", Postgres.Rebind("a = ? AND b = ?"))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.Driver)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestStore_TransactionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		if err := tx.Set(testCol, "a", counterDoc{Name: "a", Value: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		return tx.Increment(testCol, "a", "value", decimal.NewFromInt(5))
	})
	require.NoError(t, err)

	var got counterDoc
	found, err := s.Get(ctx, testCol, "a", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Name)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(15)))
}

func TestStore_CreateRejectsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := func(ctx context.Context, tx generic.Tx) error {
		return tx.Create(testCol, "once", counterDoc{Name: "once"})
	}
	require.NoError(t, s.RunInTransaction(ctx, create))

	err := s.RunInTransaction(ctx, create)
	assert.ErrorIs(t, err, generic.ErrAlreadyExists)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))
}

func TestStore_FailedTransactionLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		_ = tx.Set(testCol, "ghost", counterDoc{Name: "ghost"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	found, err := s.Get(ctx, testCol, "ghost", &counterDoc{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ReadAfterWriteRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		_ = tx.Set(testCol, "a", counterDoc{})
		_, err := tx.Find(ctx, testCol, generic.Query{})
		return err
	})
	assert.ErrorIs(t, err, generic.ErrReadAfterWrite)
}

func TestStore_FindFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []generic.Write{
		{Kind: generic.WriteSet, Collection: testCol, ID: "1", Value: counterDoc{Name: "x", Value: decimal.NewFromInt(3)}},
		{Kind: generic.WriteSet, Collection: testCol, ID: "2", Value: counterDoc{Name: "y", Value: decimal.NewFromInt(1)}},
		{Kind: generic.WriteSet, Collection: testCol, ID: "3", Value: counterDoc{Name: "x", Value: decimal.NewFromInt(2)}},
	}))

	docs, err := s.Find(ctx, testCol, generic.Where("name", generic.OpEq, "x").Order("value", false))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "3", docs[0].ID)
	assert.Equal(t, "1", docs[1].ID)
}

func TestStore_CommitVersionPrecondition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []generic.Write{
		{Kind: generic.WriteSet, Collection: testCol, ID: "a", Value: counterDoc{Name: "v1"}},
	}))

	docs, err := s.Find(ctx, testCol, generic.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	seen := docs[0].Version

	require.NoError(t, s.Commit(ctx, []generic.Write{
		{Kind: generic.WriteSet, Collection: testCol, ID: "a", Value: counterDoc{Name: "v2"}},
	}))

	err = s.Commit(ctx, []generic.Write{
		{Kind: generic.WriteSet, Collection: testCol, ID: "b", Value: counterDoc{Name: "other"}},
		{Kind: generic.WriteSet, Collection: testCol, ID: "a", Value: counterDoc{Name: "v3"}, IfVersion: seen},
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	found, err := s.Get(ctx, testCol, "b", &counterDoc{})
	require.NoError(t, err)
	assert.False(t, found, "batch must be all-or-nothing")
}

func TestStore_ConcurrentReadModifyWriteRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: many writers doing read-then-set on the same document
	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
				var cur counterDoc
				if _, err := tx.Get(ctx, testCol, "shared", &cur); err != nil {
					return err
				}
				cur.Value = cur.Value.Add(decimal.NewFromInt(1))
				return tx.Set(testCol, "shared", cur)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: no update was lost
	var got counterDoc
	_, err := s.Get(ctx, testCol, "shared", &got)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.Value.IntPart())
}

func TestStore_IncrementOutsideTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Increment(ctx, testCol, "daybook", "collections.total", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.IntPart())

	v, err = s.Increment(ctx, testCol, "daybook", "collections.total", decimal.NewFromInt(-40))
	require.NoError(t, err)
	assert.Equal(t, int64(60), v.IntPart())
}
