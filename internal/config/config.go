package config

import (
	"fmt"
	"strings"
	"time"

	pkgconfig "github.com/sharp-crm/Sharp-crm2-sub002/pkg/config"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"
)

const defaultJWTSecret = "change-this-to-a-secure-secret"

// Session store backends.
const (
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
	SessionStoreMemory   = "memory"
)

// Config holds all configuration for the auth service.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"crm-auth"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort            int           `env:"HTTP_PORT" envDefault:"8001"`
	HTTPReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TrustProxy          bool          `env:"HTTP_TRUST_PROXY" envDefault:"false"`

	// PostgreSQL
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"crm"`
	PostgresPass     string `env:"POSTGRES_PASSWORD" envDefault:"crm_secret"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"crm_auth"`
	PostgresSSL      string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"20"`
	PostgresMinConns int32  `env:"POSTGRES_MIN_CONNS" envDefault:"2"`
	RunMigrations    bool   `env:"POSTGRES_RUN_MIGRATIONS" envDefault:"true"`

	// SlowQueryThreshold logs store operations slower than this; zero disables.
	SlowQueryThreshold time.Duration `env:"POSTGRES_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// SessionStore selects where refresh token records live.
	SessionStore string `env:"SESSION_STORE" envDefault:"postgres"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_AUTH_TOPIC" envDefault:"crm.auth.events"`

	// JWT
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"change-this-to-a-secure-secret"`
	JWTIssuer        string        `env:"JWT_ISSUER" envDefault:"sharp-crm"`
	JWTAccessExpiry  time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRY" envDefault:"15m"`
	JWTRefreshExpiry time.Duration `env:"JWT_REFRESH_TOKEN_EXPIRY" envDefault:"168h"`

	// Session policy
	NearExpiryThreshold  time.Duration `env:"AUTH_NEAR_EXPIRY_THRESHOLD" envDefault:"5m"`
	SingleSession        bool          `env:"AUTH_SINGLE_SESSION" envDefault:"false"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"15m"`
	BcryptCost           int           `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	// Login/refresh rate limiting, per client IP. Zero RPS disables it.
	LoginRateLimitRPS   float64 `env:"LOGIN_RATE_LIMIT_RPS" envDefault:"1"`
	LoginRateLimitBurst int     `env:"LOGIN_RATE_LIMIT_BURST" envDefault:"10"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// OpenTelemetry
	OTelEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTelInsecure   bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTelSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Circuit breaker around store calls
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT" envDefault:"10s"`
	BreakerMinRequests  uint32        `env:"BREAKER_MIN_REQUESTS" envDefault:"5"`
	BreakerFailureRatio float64       `env:"BREAKER_FAILURE_RATIO" envDefault:"0.5"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	return cfg, nil
}

// Validate rejects inconsistent settings. Outside development it also
// requires an explicitly set, strong JWT secret.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	switch c.SessionStore {
	case SessionStorePostgres, SessionStoreRedis:
	case SessionStoreMemory:
		if !c.IsDevelopment() {
			return fmt.Errorf("SESSION_STORE %q is only allowed in development", SessionStoreMemory)
		}
	default:
		return fmt.Errorf("SESSION_STORE must be %q or %q, got %q", SessionStorePostgres, SessionStoreRedis, c.SessionStore)
	}

	if c.JWTAccessExpiry <= 0 || c.JWTRefreshExpiry <= 0 {
		return fmt.Errorf("token expiries must be positive")
	}
	if c.JWTRefreshExpiry <= c.JWTAccessExpiry {
		return fmt.Errorf("JWT_REFRESH_TOKEN_EXPIRY (%s) must exceed JWT_ACCESS_TOKEN_EXPIRY (%s)", c.JWTRefreshExpiry, c.JWTAccessExpiry)
	}
	if c.NearExpiryThreshold < 0 || c.NearExpiryThreshold >= c.JWTAccessExpiry {
		return fmt.Errorf("AUTH_NEAR_EXPIRY_THRESHOLD (%s) must be within the access token lifetime", c.NearExpiryThreshold)
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}

	if !c.IsDevelopment() {
		if c.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", c.Environment)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(c.JWTSecret))
		}
	}

	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Postgres returns the connection settings for the Postgres pool.
func (c *Config) Postgres() *database.PostgresConfig {
	return &database.PostgresConfig{
		Host:     c.PostgresHost,
		Port:     c.PostgresPort,
		User:     c.PostgresUser,
		Password: c.PostgresPass,
		DBName:   c.PostgresDB,
		SSLMode:  c.PostgresSSL,
		MaxConns: c.PostgresMaxConns,
		MinConns: c.PostgresMinConns,

		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Redis returns the connection settings for the Redis client.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.RedisPoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
