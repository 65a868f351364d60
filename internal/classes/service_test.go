package classes

import (
	"context"
	"testing"

	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	instrumentservice "github.com/obeci/obeci/backend/go-services/internal/instrument/service"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/stretchr/testify/require"
)

func TestRegisterProvisionsInstrument(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewService(NewMemoryDirectory(), instrumentservice.New(store))

	c, doc, err := svc.Register(ctx, &models.Class{ID: 12, SchoolID: 1, Name: "5A", EditorIDs: []int64{3}})
	require.NoError(t, err)
	require.Equal(t, int64(12), c.ID)
	require.Equal(t, int64(12), doc.OwnerID)
	require.Equal(t, int64(0), doc.Version)

	// re-registering keeps the same document
	_, again, err := svc.Register(ctx, &models.Class{ID: 12, Name: "5A", EditorIDs: []int64{3, 4}})
	require.NoError(t, err)
	require.Equal(t, doc.ID, again.ID)

	got, err := svc.FindByID(ctx, 12)
	require.NoError(t, err)
	require.True(t, got.HasEditor(4))

	missing, err := svc.FindByID(ctx, 99)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRegisterRejectsInvalidID(t *testing.T) {
	svc := NewService(NewMemoryDirectory(), instrumentservice.New(repository.NewMemoryStore()))
	_, _, err := svc.Register(context.Background(), &models.Class{})
	require.ErrorIs(t, err, ErrInvalidClass)
}
