package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/health"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/middleware"
)

// RouterConfig holds the transport settings of the router.
type RouterConfig struct {
	ServiceName string
	CORS        middleware.CORSConfig
	// RateLimit guards login and token refresh, per client IP.
	RateLimit middleware.RateLimitConfig
	Auth      AuthHandlerOptions
}

// NewRouter creates a chi router with all routes registered.
func NewRouter(
	authService *service.AuthService,
	taskService *service.TaskService,
	gate *RequestGate,
	healthHandler *health.Handler,
	logger *slog.Logger,
	cfg RouterConfig,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	authHandler := NewAuthHandler(authService, cfg.Auth, logger)
	limit := middleware.RateLimit(cfg.RateLimit, logger)

	r.Route("/auth", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		// Public
		r.With(limit).Post("/login", authHandler.Login)
		r.With(limit).Post("/refresh", authHandler.Refresh)
		r.With(limit).Post("/auto-refresh", authHandler.AutoRefresh)
		r.Post("/logout", authHandler.Logout)
		r.Post("/validate-token", authHandler.ValidateToken)

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(gate.Middleware)

			r.Get("/me", authHandler.Me)
			r.Get("/sessions", authHandler.Sessions)
			r.Delete("/sessions/{id}", authHandler.RevokeSession)
			r.Post("/change-password", authHandler.ChangePassword)
		})
	})

	taskHandler := NewTaskHandler(taskService, logger)
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(gate.Middleware)

		r.Get("/", taskHandler.List)
		r.Post("/", taskHandler.Create)
		r.Get("/{id}", taskHandler.Get)
		r.Patch("/{id}", taskHandler.Update)
		r.Delete("/{id}", taskHandler.Delete)
	})

	return r
}
