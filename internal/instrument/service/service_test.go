package service

import (
	"context"
	"sync"
	"testing"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/stretchr/testify/require"
)

func TestEnsureForOwnerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := New(repository.NewMemoryStore())

	_, err := svc.GetByOwner(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)

	first, err := svc.EnsureForOwner(ctx, 7)
	require.NoError(t, err)
	second, err := svc.EnsureForOwner(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestEnsureForOwnerConcurrent(t *testing.T) {
	ctx := context.Background()
	svc := New(repository.NewMemoryStore())
	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := svc.EnsureForOwner(ctx, 9)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()
	for i, id := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], id)
	}
}

func TestRecentChanges(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := New(store)
	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &instrument.ChangeLogEntry{OwnerID: 5, Actor: "a", EventType: instrument.DefaultEventType})
		require.NoError(t, err)
	}
	got, err := svc.RecentChanges(ctx, 5, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
