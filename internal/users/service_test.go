package users

import (
	"context"
	"testing"

	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/stretchr/testify/require"
)

func TestSaveAndFindByEmail(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryDirectory())

	saved, err := svc.Save(ctx, &models.User{Email: " Prof@School.test ", Username: "prof", Roles: []string{"PROFESSOR"}})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	require.Equal(t, "prof@school.test", saved.Email)
	require.False(t, saved.CreatedAt.IsZero())

	got, err := svc.FindByEmail(ctx, "PROF@school.test")
	require.NoError(t, err)
	require.Equal(t, saved.ID, got.ID)

	missing, err := svc.FindByEmail(ctx, "nobody@school.test")
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = svc.Save(ctx, &models.User{})
	require.ErrorIs(t, err, ErrMissingEmail)
}

func TestSaveKeepsIdentityOnResave(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	first, err := dir.Save(ctx, &models.User{Email: "a@b.test"})
	require.NoError(t, err)
	second, err := dir.Save(ctx, &models.User{Email: "a@b.test", Username: "renamed"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "renamed", second.Username)
}

func TestUpsertFromClaims(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryDirectory())

	u, err := svc.UpsertFromClaims(ctx, map[string]interface{}{
		"email":              "x@example.com",
		"preferred_username": "xuser",
		"realm_access":       map[string]interface{}{"roles": []interface{}{"ADMIN"}},
	})
	require.NoError(t, err)
	require.Equal(t, "xuser", u.Username)
	require.Equal(t, []string{"ADMIN"}, u.Roles)

	again, err := svc.UpsertFromClaims(ctx, map[string]interface{}{"email": "x@example.com"})
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)
	require.Equal(t, []string{"ADMIN"}, again.Roles)

	none, err := svc.UpsertFromClaims(ctx, map[string]interface{}{"sub": "abc"})
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestRolesFromClaims(t *testing.T) {
	require.Equal(t, []string{"A", "B"}, RolesFromClaims(map[string]interface{}{"roles": "A,B"}))
	require.Equal(t, []string{"X"}, RolesFromClaims(map[string]interface{}{"roles": []interface{}{"X", 3}}))
	require.Nil(t, RolesFromClaims(map[string]interface{}{}))
}
