// Package app assembles the instrument service from configuration. It is
// shared by the HTTP server and the operations CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/classes"
	"github.com/obeci/obeci/backend/go-services/internal/collab"
	"github.com/obeci/obeci/backend/go-services/internal/config"
	"github.com/obeci/obeci/backend/go-services/internal/database"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/service"
	"github.com/obeci/obeci/backend/go-services/internal/oidc"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/internal/sessions"
	"github.com/obeci/obeci/backend/go-services/internal/storage"
	"github.com/obeci/obeci/backend/go-services/internal/tokens"
	"github.com/obeci/obeci/backend/go-services/internal/users"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

// Backends holds the persistence layer only.
type Backends struct {
	Store    repository.Store
	Users    users.Directory
	Classes  classes.Directory
	Mongo    *mongo.Database
	closers  []func(context.Context) error
	mongoRaw *mongo.Client
}

// OpenBackends connects the document store and the directories. Directories
// live in MongoDB when MONGODB_URI is set and in memory otherwise.
func OpenBackends(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}
	if cfg.MongoDB.URI != "" {
		client, err := connectMongoWithRetry(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.mongoRaw = client
		b.Mongo = client.Database(cfg.MongoDB.Database)
		b.closers = append(b.closers, client.Disconnect)
	}

	switch cfg.Store.Driver {
	case "memory":
		b.Store = repository.NewMemoryStore()
	case "mongo":
		b.Store = repository.NewMongoStore(b.Mongo)
	case "postgres", "sqlite":
		db, err := database.OpenSQL(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, func(context.Context) error { return sqlDB.Close() })
		}
		b.Store = repository.NewGormStore(db)
	default:
		_ = b.Close(ctx)
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Store.Driver)
	}

	if b.Mongo != nil {
		ud := users.NewMongoDirectory(b.Mongo.Collection("users"))
		if err := ud.EnsureIndexes(ctx); err != nil {
			logger.Warn("users index creation failed", "error", err)
		}
		b.Users = ud
		b.Classes = classes.NewMongoDirectory(b.Mongo.Collection("classes"))
	} else {
		b.Users = users.NewMemoryDirectory()
		b.Classes = classes.NewMemoryDirectory()
	}
	logger.Info("backends opened", "store", cfg.Store.Driver, "directories", directoryKind(b.Mongo))
	return b, nil
}

func directoryKind(db *mongo.Database) string {
	if db == nil {
		return "memory"
	}
	return "mongo"
}

// connectMongoWithRetry tolerates startup races with the database container.
func connectMongoWithRetry(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	const maxAttempts = 5
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, err)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("connect mongo after %d attempts: %w", maxAttempts, lastErr)
}

func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// App is the fully wired service.
type App struct {
	Config        *config.Config
	Backends      *Backends
	Instruments   *service.Service
	Classes       *classes.Service
	Users         *users.Service
	Redis         *redis.Client
	Hub           *realtime.Hub
	Broadcaster   realtime.Broadcaster
	Binder        *sessions.Binder
	Engine        *collab.Engine
	Dispatcher    *collab.Dispatcher
	Authenticator *sessions.Authenticator
	Images        storage.ImageStore

	bus *realtime.BusBroadcaster
}

// New wires every component. Optional dependencies (Redis, MinIO, OIDC)
// degrade to in-process fallbacks with a warning.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	b, err := OpenBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:      cfg,
		Backends:    b,
		Instruments: service.New(b.Store),
		Users:       users.NewService(b.Users),
		Hub:         realtime.NewHub(cfg.Collab.OutboundBuffer),
		Binder:      sessions.NewBinder(),
	}
	a.Classes = classes.NewService(b.Classes, a.Instruments)

	if err := b.Store.Migrate(ctx); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a.Broadcaster = a.Hub
	if addr := cfg.Redis.Addr(); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable; realtime fan-out stays in-process", "addr", addr, "error", err)
			_ = rdb.Close()
		} else {
			a.Redis = rdb
			b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
			sessions.SetBlacklistClient(rdb)
			bus, err := realtime.NewRedisBus(rdb, cfg.Redis.BusChannel)
			if err != nil {
				_ = b.Close(ctx)
				return nil, err
			}
			a.bus = realtime.NewBusBroadcaster(a.Hub, bus)
			a.Broadcaster = a.bus
		}
	}

	a.Engine = collab.NewEngine(b.Store, b.Store, collab.WithMaxRetries(cfg.Collab.MaxWriteRetries))
	gate := access.NewGate(b.Users, b.Classes)
	a.Dispatcher = collab.NewDispatcher(a.Engine, gate, a.Binder, a.Broadcaster).
		WithUpdateRate(cfg.Collab.UpdateRPS, cfg.Collab.UpdateBurst)
	a.Authenticator = sessions.NewAuthenticator(buildVerifier(ctx, cfg), b.Users, cfg.Auth.CookieName).
		WithUserSync(a.Users)

	if cfg.MinIO.Endpoint != "" {
		img, err := storage.NewMinIOStorage(ctx, cfg.MinIO)
		if err != nil {
			logger.Warn("minio unavailable; images kept in memory", "error", err)
			a.Images = storage.NewMemoryStore()
		} else {
			a.Images = img
		}
	} else {
		a.Images = storage.NewMemoryStore()
	}
	return a, nil
}

func buildVerifier(ctx context.Context, cfg *config.Config) middleware.Verifier {
	var chain oidc.Chain
	if cfg.JWT.Secret != "" {
		chain = append(chain, tokens.NewHS256Verifier(cfg.JWT.Secret))
	}
	if issuer := cfg.Keycloak.Issuer(); issuer != "" {
		v, err := oidc.NewVerifier(ctx, issuer, cfg.Keycloak.ClientID)
		if err != nil {
			logger.Warnf("failed to initialize OIDC verifier: %v", err)
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.Auth.AllowInsecureToken {
		if cfg.IsProduction() {
			logger.Warn("AUTH_ALLOW_INSECURE_TOKEN ignored in production")
		} else {
			logger.Warn("enabling insecure token verifier (integration mode)")
			chain = append(chain, oidc.NewInsecureVerifier())
		}
	}
	if len(chain) == 0 {
		logger.Warn("no token verifier configured; every connection is anonymous")
	}
	return chain
}

// Start runs background work: the bus forwarder when Redis is wired.
func (a *App) Start(ctx context.Context) error {
	if a.bus == nil {
		return nil
	}
	return a.bus.Start(ctx)
}

// Ready reports the health of each dependency.
func (a *App) Ready(ctx context.Context) map[string]bool {
	deps := map[string]bool{"store": a.Backends.Store.Ping(ctx) == nil}
	if a.Redis != nil {
		deps["redis"] = a.Redis.Ping(ctx).Err() == nil
	} else if a.Config.Redis.Addr() != "" {
		deps["redis"] = false
	}
	if a.Backends.mongoRaw != nil {
		deps["directories"] = a.Backends.mongoRaw.Ping(ctx, nil) == nil
	}
	if p, ok := a.Images.(interface{ Ping(context.Context) error }); ok {
		deps["images"] = p.Ping(ctx) == nil
	}
	return deps
}

func (a *App) Close(ctx context.Context) error {
	return a.Backends.Close(ctx)
}
