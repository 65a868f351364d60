package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	MongoDB   MongoDBConfig
	Redis     RedisConfig
	Keycloak  KeycloakConfig
	JWT       JWTConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Collab    CollabConfig
	MinIO     MinIOConfig
	Tracing   TracingConfig
	LogLevel  string
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StoreConfig selects the persistence backend for instrument documents.
type StoreConfig struct {
	Driver string // memory | mongo | postgres | sqlite
	DSN    string
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host       string
	Port       string
	Password   string
	DB         int
	BusChannel string
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

type KeycloakConfig struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
}

// Issuer is the realm issuer URL used for OIDC discovery.
func (k KeycloakConfig) Issuer() string {
	if k.URL == "" || k.Realm == "" {
		return ""
	}
	return strings.TrimRight(k.URL, "/") + "/realms/" + k.Realm
}

type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

type AuthConfig struct {
	CookieName         string
	AllowInsecureToken bool
}

type RateLimitConfig struct {
	Enabled  bool
	RPS      float64
	Burst    int
	UseRedis bool
	Window   time.Duration
}

type CollabConfig struct {
	UpdateRPS       float64
	UpdateBurst     int
	OutboundBuffer  int
	MaxWriteRetries int
	AllowedOrigins  []string
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type TracingConfig struct {
	Enabled     bool
	SampleRatio float64
	Exporter    string
}

var (
	ErrMissingMongoURI = errors.New("MONGODB_URI is required when STORE_DRIVER=mongo")
	ErrMissingDSN      = errors.New("STORE_DSN is required for SQL store drivers")
	ErrUnknownDriver   = errors.New("unknown STORE_DRIVER")
	ErrWeakJWTSecret   = errors.New("JWT_SECRET must be at least 32 bytes")
)

// LoadConfig loads configuration from environment variables and an optional .env file.
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "5001")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("SERVER_READ_TIMEOUT", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("MONGODB_DATABASE", "obeci")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_BUS_CHANNEL", "obeci:realtime")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", 15)
	v.SetDefault("AUTH_COOKIE_NAME", "token")
	v.SetDefault("AUTH_ALLOW_INSECURE_TOKEN", false)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 20.0)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("RATE_LIMIT_USE_REDIS", false)
	v.SetDefault("RATE_LIMIT_WINDOW", 1)
	v.SetDefault("COLLAB_UPDATE_RPS", 10.0)
	v.SetDefault("COLLAB_UPDATE_BURST", 20)
	v.SetDefault("COLLAB_OUTBOUND_BUFFER", 64)
	v.SetDefault("COLLAB_MAX_WRITE_RETRIES", 3)
	v.SetDefault("COLLAB_ALLOWED_ORIGINS", "")
	v.SetDefault("COLLAB_WRITE_WAIT", 10)
	v.SetDefault("COLLAB_PONG_WAIT", 60)
	v.SetDefault("COLLAB_MAX_MESSAGE_BYTES", 4<<20)
	v.SetDefault("MINIO_BUCKET", "instrument-images")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
	v.SetDefault("OTEL_EXPORTER", "stdout")

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			Environment:  v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  time.Duration(v.GetInt("SERVER_READ_TIMEOUT")) * time.Second,
			WriteTimeout: time.Duration(v.GetInt("SERVER_WRITE_TIMEOUT")) * time.Second,
		},
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
			DSN:    v.GetString("STORE_DSN"),
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Host:       v.GetString("REDIS_HOST"),
			Port:       v.GetString("REDIS_PORT"),
			Password:   os.Getenv("REDIS_PASSWORD"),
			DB:         v.GetInt("REDIS_DB"),
			BusChannel: v.GetString("REDIS_BUS_CHANNEL"),
		},
		Keycloak: KeycloakConfig{
			URL:          v.GetString("KEYCLOAK_URL"),
			Realm:        v.GetString("KEYCLOAK_REALM"),
			ClientID:     v.GetString("KEYCLOAK_CLIENT_ID"),
			ClientSecret: v.GetString("KEYCLOAK_CLIENT_SECRET"),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: time.Duration(v.GetInt("JWT_ACCESS_TOKEN_TTL")) * time.Minute,
		},
		Auth: AuthConfig{
			CookieName:         v.GetString("AUTH_COOKIE_NAME"),
			AllowInsecureToken: v.GetBool("AUTH_ALLOW_INSECURE_TOKEN"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("RATE_LIMIT_ENABLED"),
			RPS:      v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:    v.GetInt("RATE_LIMIT_BURST"),
			UseRedis: v.GetBool("RATE_LIMIT_USE_REDIS"),
			Window:   time.Duration(v.GetInt("RATE_LIMIT_WINDOW")) * time.Second,
		},
		Collab: CollabConfig{
			UpdateRPS:       v.GetFloat64("COLLAB_UPDATE_RPS"),
			UpdateBurst:     v.GetInt("COLLAB_UPDATE_BURST"),
			OutboundBuffer:  v.GetInt("COLLAB_OUTBOUND_BUFFER"),
			MaxWriteRetries: v.GetInt("COLLAB_MAX_WRITE_RETRIES"),
			AllowedOrigins:  splitList(v.GetString("COLLAB_ALLOWED_ORIGINS")),
			WriteWait:       time.Duration(v.GetInt("COLLAB_WRITE_WAIT")) * time.Second,
			PongWait:        time.Duration(v.GetInt("COLLAB_PONG_WAIT")) * time.Second,
			MaxMessageBytes: v.GetInt64("COLLAB_MAX_MESSAGE_BYTES"),
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("OTEL_ENABLED"),
			SampleRatio: v.GetFloat64("OTEL_SAMPLE_RATIO"),
			Exporter:    v.GetString("OTEL_EXPORTER"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.MongoDB.URI == "" {
			return ErrMissingMongoURI
		}
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return ErrWeakJWTSecret
	}
	return nil
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
