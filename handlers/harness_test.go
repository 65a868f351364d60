package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/classes"
	"github.com/obeci/obeci/backend/go-services/internal/collab"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/service"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/internal/sessions"
	"github.com/obeci/obeci/backend/go-services/internal/storage"
	"github.com/obeci/obeci/backend/go-services/internal/users"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
	"github.com/stretchr/testify/require"
)

const (
	editorEmail   = "editor@school.test"
	outsiderEmail = "outsider@school.test"
	adminEmail    = "admin@school.test"

	editedClass = int64(7)
	legacyClass = int64(9)
	tokenHeader = "X-Test-User"
)

// headerSource authenticates whoever is named in X-Test-User.
type headerSource struct{}

func (headerSource) FromRequest(r *http.Request) (models.Principal, string, error) {
	email := r.Header.Get(tokenHeader)
	if email == "" {
		return models.Anonymous, "", errors.New("no credentials")
	}
	p := models.Principal{Name: email, Authenticated: true}
	if email == adminEmail {
		p.Roles = []string{"ADMIN"}
	}
	return p, "raw-" + email, nil
}

type harness struct {
	router *gin.Engine
	store  *repository.MemoryStore
	docs   *service.Service
	hub    *realtime.Hub
	binder *sessions.Binder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	userDir := users.NewMemoryDirectory()
	editor, err := userDir.Save(ctx, &models.User{Email: editorEmail, Roles: []string{"TEACHER"}})
	require.NoError(t, err)
	_, err = userDir.Save(ctx, &models.User{Email: outsiderEmail, Roles: []string{"TEACHER"}})
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	docs := service.New(store)
	classDir := classes.NewMemoryDirectory()
	_, _, err = classes.NewService(classDir, docs).Register(ctx, &models.Class{ID: editedClass, Name: "5A", Active: true, EditorIDs: []int64{editor.ID}})
	require.NoError(t, err)
	// a class saved before instruments were provisioned automatically
	_, err = classDir.Save(ctx, &models.Class{ID: legacyClass, Name: "5B", Active: true, EditorIDs: []int64{editor.ID}})
	require.NoError(t, err)

	hub := realtime.NewHub(16)
	binder := sessions.NewBinder()
	engine := collab.NewEngine(store, store)
	dispatcher := collab.NewDispatcher(engine, access.NewGate(userDir, classDir), binder, hub)

	g := gin.New()
	api := g.Group("/api", middleware.AuthMiddleware(headerSource{}))
	NewInstrumentHandler(docs, classDir, dispatcher, storage.NewMemoryStore(), 1<<20).Register(api)
	NewRealtimeHandler(headerSource{}, hub, binder, dispatcher, RealtimeConfig{}).Register(g)

	return &harness{router: g, store: store, docs: docs, hub: hub, binder: binder}
}

func (h *harness) principal(email string) models.Principal {
	p, _, _ := headerSource{}.FromRequest(&http.Request{Header: http.Header{tokenHeader: []string{email}}})
	return p
}
