package rating

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/pkg/types"
)

func setupStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.AddBooks(ctx, []*types.Book{
		{ISBN: "A", Title: "Dune", Year: 1965},
		{ISBN: "B", Title: "Hyperion", Year: 1989},
	})
	require.NoError(t, err)
	_, err = store.AddUsers(ctx, []*types.User{{ID: 7}, {ID: 8}, {ID: 9}})
	require.NoError(t, err)
	return store
}

func TestRate_OverwriteExample(t *testing.T) {
	store := setupStore(t)
	svc := NewService(store)
	ctx := context.Background()

	require.NoError(t, svc.Rate(ctx, 7, "A", 9))
	require.NoError(t, svc.Rate(ctx, 7, "A", 3))

	agg, err := svc.Aggregate(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3.0, agg.Average)
	assert.Equal(t, 1, agg.Count)
}

func TestRate_Idempotent(t *testing.T) {
	store := setupStore(t)
	svc := NewService(store)
	ctx := context.Background()

	require.NoError(t, svc.Rate(ctx, 7, "A", 6))
	first, err := store.GetAggregate(ctx, "A")
	require.NoError(t, err)

	require.NoError(t, svc.Rate(ctx, 7, "A", 6))
	second, err := store.GetAggregate(ctx, "A")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	r, err := store.GetRating(ctx, 7, "A")
	require.NoError(t, err)
	assert.Equal(t, 6, r.Score)
}

func TestRate_InvalidInput(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Close())
	svc := NewService(store)

	tests := []struct {
		name   string
		userID int64
		isbn   string
		score  int
	}{
		{"score too low", 7, "A", 0},
		{"score too high", 7, "A", 11},
		{"missing isbn", 7, "", 5},
		{"bad user", 0, "A", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The store is closed: validation must fail before any I/O.
			err := svc.Rate(context.Background(), tt.userID, tt.isbn, tt.score)
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

func TestRate_ReferentialViolation(t *testing.T) {
	store := setupStore(t)
	svc := NewService(store)
	ctx := context.Background()

	err := svc.Rate(ctx, 404, "A", 5)
	assert.ErrorIs(t, err, types.ErrReferentialViolation)

	err = svc.Rate(ctx, 7, "missing", 5)
	assert.ErrorIs(t, err, types.ErrReferentialViolation)

	_, err = store.GetRating(ctx, 7, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// failingTx writes through to the real transaction and then reports failure
type failingTx struct {
	storage.Tx
}

func (f failingTx) UpsertRating(ctx context.Context, r *types.Rating) error {
	if err := f.Tx.UpsertRating(ctx, r); err != nil {
		return err
	}
	return errors.New("disk full")
}

type failingStore struct {
	storage.Storage
}

func (f failingStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := f.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{Tx: tx}, nil
}

func TestRate_PersistenceRollsBack(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, NewService(store).Rate(ctx, 7, "A", 4))

	svc := NewService(failingStore{Storage: store})
	err := svc.Rate(ctx, 7, "A", 10)
	assert.ErrorIs(t, err, types.ErrPersistence)

	r, err := store.GetRating(ctx, 7, "A")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Score, "failed write must leave the prior score")
}

func TestRate_StoreDown(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Close())

	err := NewService(store).Rate(context.Background(), 7, "A", 5)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestRate_Concurrent(t *testing.T) {
	store := setupStore(t)
	svc := NewService(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []int64{7, 8, 9} {
		for score := 1; score <= 10; score++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, svc.Rate(ctx, user, "B", score))
			}()
		}
	}
	wg.Wait()

	agg, err := store.GetAggregate(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Count, "one row per user")
}
