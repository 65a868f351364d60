package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/obeci/obeci/backend/go-services/internal/collab"
	"github.com/obeci/obeci/backend/go-services/internal/config"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/internal/storage"
	"github.com/obeci/obeci/backend/go-services/internal/tokens"
	"github.com/stretchr/testify/require"
)

const testSecret = "app-test-secret-0123456789abcdef0123"

func memoryConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Store.Driver = "memory"
	cfg.JWT.Secret = testSecret
	cfg.JWT.AccessTokenTTL = time.Minute
	cfg.Auth.CookieName = "token"
	cfg.Collab.MaxWriteRetries = 3
	cfg.Collab.OutboundBuffer = 8
	cfg.Redis.BusChannel = "obeci:test"
	return cfg
}

func TestNew_MemoryWiring(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig())
	require.NoError(t, err)
	defer a.Close(ctx)

	require.Same(t, a.Hub, a.Broadcaster)
	require.IsType(t, &storage.MemoryStore{}, a.Images)
	require.NoError(t, a.Start(ctx))
	require.Equal(t, map[string]bool{"store": true}, a.Ready(ctx))

	// a token minted with the configured secret authenticates
	u, err := a.Users.Save(ctx, &models.User{Email: "ana@school.test", Roles: []string{"TEACHER"}})
	require.NoError(t, err)
	raw, err := tokens.GenerateAccessToken(a.Config, u, time.Minute)
	require.NoError(t, err)
	p, err := a.Authenticator.Authenticate(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "ana@school.test", p.Name)
	require.Equal(t, []string{"TEACHER"}, p.Roles)

	// registering a class provisions its instrument
	_, doc, err := a.Classes.Register(ctx, &models.Class{ID: 3, Name: "3A", EditorIDs: []int64{u.ID}})
	require.NoError(t, err)
	require.Equal(t, int64(0), doc.Version)

	b, err := a.Dispatcher.Apply(ctx, p, collab.UpdateRequest{OwnerID: 3, Snapshot: json.RawMessage(`{"slides":[]}`)})
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Version)
}

func TestNew_RedisBus(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()

	cfg := memoryConfig()
	cfg.Redis.Host = m.Host()
	cfg.Redis.Port = m.Port()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())
	require.NotNil(t, a.Redis)
	require.IsType(t, &realtime.BusBroadcaster{}, a.Broadcaster)
	require.NoError(t, a.Start(ctx))
	require.True(t, a.Ready(ctx)["redis"])

	client := a.Hub.NewClient(models.Principal{Name: "watcher", Authenticated: true})
	a.Hub.Subscribe(client, realtime.DocumentTopic(3))
	require.NoError(t, a.Broadcaster.Publish(ctx, realtime.DocumentTopic(3), map[string]int{"version": 1}))

	select {
	case env := <-client.Outbound:
		require.Equal(t, realtime.DocumentTopic(3), env.Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("bus message not delivered")
	}
}

func TestNew_UnreachableRedisFallsBack(t *testing.T) {
	cfg := memoryConfig()
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "1"

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)
	require.Nil(t, a.Redis)
	require.Same(t, a.Hub, a.Broadcaster)
	require.False(t, a.Ready(ctx)["redis"])
}

func TestOpenBackends_SQLite(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "file:app-test?mode=memory&cache=shared"

	ctx := context.Background()
	b, err := OpenBackends(ctx, cfg)
	require.NoError(t, err)
	defer b.Close(ctx)
	require.NoError(t, b.Store.Migrate(ctx))
	require.NoError(t, b.Store.Ping(ctx))
}

func TestBuildVerifier_InsecureIgnoredInProduction(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = ""
	cfg.Auth.AllowInsecureToken = true
	cfg.Server.Environment = "production"

	v := buildVerifier(context.Background(), cfg)
	_, err := v.Verify(context.Background(), "a.eyJzdWIiOiIxIn0.c")
	require.Error(t, err)

	cfg.Server.Environment = "development"
	v = buildVerifier(context.Background(), cfg)
	_, err = v.Verify(context.Background(), "a.eyJzdWIiOiIxIn0.c")
	require.NoError(t, err)
}
