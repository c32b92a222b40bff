package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/auth"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/config"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/event"
	handler "github.com/sharp-crm/Sharp-crm2-sub002/internal/handler/http"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository/memory"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository/postgres"
	redisrepo "github.com/sharp-crm/Sharp-crm2-sub002/internal/repository/redis"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/worker"
	"github.com/sharp-crm/Sharp-crm2-sub002/migrations"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/breaker"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/health"
	pkgkafka "github.com/sharp-crm/Sharp-crm2-sub002/pkg/kafka"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/middleware"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/tracing"
)

// App wires together all dependencies and runs the auth service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	sweeper        *worker.Sweeper
	httpServer     *http.Server
	tracerShutdown tracing.ShutdownFunc
}

// NewApp creates a new application instance, initializing all dependencies.
// Anything opened before a failure is closed again.
func NewApp(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	a.tracerShutdown, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		SampleRate:     cfg.OTelSampleRate,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	if cfg.SlowQueryThreshold > 0 {
		database.SetSlowQueryLogging(cfg.SlowQueryThreshold, logger)
	}

	// Users and tasks always live in PostgreSQL.
	a.pool, err = database.NewPostgresPool(ctx, cfg.Postgres(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	registerCollector(logger, database.NewPostgresPoolCollector(a.pool, cfg.ServiceName))

	if cfg.RunMigrations {
		if err = database.RunMigrations(ctx, a.pool, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")
	}

	pgBreaker := breaker.New(breakerConfig(cfg, "postgres"), logger)
	users := repository.NewGuardedUserRepository(postgres.NewUserRepository(a.pool), pgBreaker)
	tasks := repository.NewGuardedTaskRepository(postgres.NewTaskRepository(a.pool), pgBreaker)

	sessions, err := a.sessionStore(ctx, pgBreaker)
	if err != nil {
		return nil, err
	}

	var publisher pkgkafka.Publisher = pkgkafka.Noop{}
	if cfg.KafkaEnabled {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		if err := pingKafkaWithRetry(ctx, a.producer, logger); err != nil {
			logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
		}
		publisher = a.producer
	}
	events := event.NewProducer(publisher, cfg.KafkaTopic, logger)

	// Build the dependency graph.
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry, time.Now)
	credentials, err := service.NewCredentialVerifier(users, cfg.BcryptCost, logger)
	if err != nil {
		return nil, fmt.Errorf("credential verifier: %w", err)
	}
	tokens := service.NewTokenAuthority(jwtManager, sessions, users, cfg.NearExpiryThreshold, logger)
	authService := service.NewAuthService(credentials, tokens, users, events, service.AuthOptions{
		SingleSession: cfg.SingleSession,
	}, logger)
	taskService := service.NewTaskService(tasks, users, time.Now, logger)
	gate := handler.NewRequestGate(tokens, users, logger)

	a.sweeper = worker.NewSweeper(tokens, cfg.SessionSweepInterval, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return a.pool.Ping(ctx)
	})
	if a.redis != nil {
		healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	if a.producer != nil {
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return a.producer.Ping(ctx)
		})
	}

	router := handler.NewRouter(authService, taskService, gate, healthHandler, logger, handler.RouterConfig{
		ServiceName: cfg.ServiceName,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowCredentials: true,
			Environment:      cfg.Environment,
		},
		RateLimit: middleware.RateLimitConfig{
			RPS:        cfg.LoginRateLimitRPS,
			Burst:      cfg.LoginRateLimitBurst,
			TrustProxy: cfg.TrustProxy,
		},
		Auth: handler.AuthHandlerOptions{
			SecureCookie: !cfg.IsDevelopment(),
			TrustProxy:   cfg.TrustProxy,
		},
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// sessionStore builds the refresh token store selected by SESSION_STORE.
func (a *App) sessionStore(ctx context.Context, pgBreaker *breaker.Breaker) (repository.SessionRepository, error) {
	switch a.cfg.SessionStore {
	case config.SessionStoreRedis:
		client, err := database.NewRedisClient(ctx, a.cfg.Redis(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.logger.Info("connected to Redis", slog.String("addr", a.cfg.Redis().Addr()))
		registerCollector(a.logger, database.NewRedisPoolCollector(client, a.cfg.ServiceName))

		cb := breaker.New(breakerConfig(a.cfg, "redis"), a.logger)
		return repository.NewGuardedSessionRepository(redisrepo.NewSessionRepository(client), cb), nil

	case config.SessionStoreMemory:
		a.logger.Warn("refresh tokens are kept in process memory and lost on restart")
		return memory.NewSessionRepository(), nil

	default:
		return repository.NewGuardedSessionRepository(postgres.NewSessionRepository(a.pool), pgBreaker), nil
	}
}

// Run starts the HTTP server and the session sweeper, then blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
			slog.String("session_store", a.cfg.SessionStore),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go a.sweeper.Run(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Session sweeper
// 3. Kafka producer (flush pending audit events)
// 4. Redis client
// 5. PostgreSQL pool
// 6. Tracer (flush spans recorded during the drain)
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.HTTPShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sweepCancel()
	if err := a.sweeper.Stop(sweepCtx); err != nil {
		a.logger.Error("session sweeper stop error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	errs = append(errs, a.closeResources())

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases the Kafka producer, Redis, Postgres and the tracer,
// whichever were opened.
func (a *App) closeResources() error {
	var errs []error

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func breakerConfig(cfg *config.Config, name string) breaker.Config {
	bc := breaker.DefaultConfig(name)
	bc.Timeout = cfg.BreakerTimeout
	bc.MinRequests = cfg.BreakerMinRequests
	bc.FailureRatio = cfg.BreakerFailureRatio
	return bc
}

func registerCollector(logger *slog.Logger, c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}
}

// pingKafkaWithRetry pings the broker up to three times, backing off 1s then
// 2s with ±25% jitter.
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	const attempts = 3

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if lastErr = producer.Ping(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		base := time.Duration(1<<uint(attempt)) * time.Second
		wait := base + time.Duration(float64(base)*0.25*(2*rand.Float64()-1)) // #nosec G404 -- retry jitter
		logger.Warn("kafka producer ping failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka ping: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("kafka producer ping failed after %d attempts: %w", attempts, lastErr)
}
