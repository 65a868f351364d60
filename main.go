package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/obeci/obeci/backend/go-services/handlers"
	"github.com/obeci/obeci/backend/go-services/internal/app"
	"github.com/obeci/obeci/backend/go-services/internal/config"
	"github.com/obeci/obeci/backend/go-services/internal/observability"
	"github.com/obeci/obeci/backend/go-services/pkg/logger"
	"github.com/obeci/obeci/backend/go-services/pkg/metrics"
	"github.com/obeci/obeci/backend/go-services/pkg/middleware"
)

var startTime = time.Now()

func main() {
	// initialize logging (can be controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)
	logger.Infof("config loaded: store=%s keycloak=%v mongo=%v redis=%v minio=%v", cfg.Store.Driver, cfg.Keycloak.URL != "", cfg.MongoDB.URI != "", cfg.Redis.Host != "", cfg.MinIO.Endpoint != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Server.Environment)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warnf("close backends: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.Start(gctx); err != nil {
		return fmt.Errorf("start realtime bus: %w", err)
	}

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(cfg, a),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		logger.Infof("Starting instrument service on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server", "connections", a.Hub.CloseAll())
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, a *app.App) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(observability.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})
	// readiness endpoint: 200 only when every configured dependency answers
	r.GET("/ready", func(c *gin.Context) {
		deps := a.Ready(c.Request.Context())
		status, code := "ready", http.StatusOK
		for _, ok := range deps {
			if !ok {
				status, code = "not_ready", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{"status": status, "deps": deps, "uptime": time.Since(startTime).String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterSwagger(r)

	// websocket handshakes authenticate themselves and stay outside the rate limiter
	handlers.NewRealtimeHandler(a.Authenticator, a.Hub, a.Binder, a.Dispatcher, handlers.RealtimeConfig{
		WriteWait:       cfg.Collab.WriteWait,
		PongWait:        cfg.Collab.PongWait,
		MaxMessageBytes: cfg.Collab.MaxMessageBytes,
		AllowedOrigins:  cfg.Collab.AllowedOrigins,
	}).Register(r)

	api := r.Group("/api", middleware.AuthMiddleware(a.Authenticator))
	// per-principal limits need the principal, so the limiter runs after auth
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && a.Redis != nil {
			api.Use(middleware.RedisRateLimitMiddleware(a.Redis, cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.Window))
		} else {
			api.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}
	handlers.NewInstrumentHandler(a.Instruments, a.Classes, a.Dispatcher, a.Images, cfg.Collab.MaxMessageBytes).Register(api)
	handlers.NewSessionHandler(cfg.JWT.AccessTokenTTL, a.Users).Register(api)
	return r
}
