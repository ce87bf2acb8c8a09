package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/moniwatch/moniwatch/internal/metrics"
	"github.com/rs/zerolog"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// AllowedOrigins is the list of allowed CORS origins. Empty means all origins allowed.
	AllowedOrigins []string
	// AuthConfig holds authentication configuration.
	AuthConfig AuthConfig
	// RateLimiter is applied to the admin API and the webhook routes (optional).
	RateLimiter *RateLimiter
	// Webhook is mounted at /webhook without authentication (optional).
	Webhook http.Handler
	// Metrics records request metrics and serves /metrics (optional).
	Metrics *metrics.Metrics
	// MetricsHandler serves /metrics. Defaults to the metrics default handler.
	MetricsHandler http.Handler
	// RequestTimeout bounds each request. Zero means 60s.
	RequestTimeout time.Duration
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, logger zerolog.Logger) *chi.Mux {
	return NewRouterWithConfig(handler, logger, RouterConfig{})
}

// NewRouterWithConfig creates a new API router with configuration.
func NewRouterWithConfig(handler *Handler, logger zerolog.Logger, config RouterConfig) *chi.Mux {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewMetricsMiddleware(config.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(NewCORSMiddleware(config.AllowedOrigins))

	// Health check (no auth required)
	r.Get("/health", handler.HealthCheck)

	metricsHandler := config.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	limit := NewRateLimitMiddleware(config.RateLimiter)

	if config.Webhook != nil {
		r.With(limit).Mount("/webhook", config.Webhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limit)
		r.Use(NewAuthMiddleware(config.AuthConfig))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", handler.ListJobs)
			r.Post("/", handler.CreateJob)
			r.Post("/import", handler.ImportJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetJob)
				r.Put("/", handler.UpdateJob)
				r.Delete("/", handler.DeleteJob)

				r.Post("/pause", handler.PauseJob)
				r.Post("/resume", handler.ResumeJob)
				r.Post("/run", handler.RunJob)
			})
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", handler.ListLogs)
			r.Delete("/", handler.DeleteLogs)
			r.Post("/clean", handler.CleanLogs)
			r.Get("/{id}", handler.GetLog)
		})

		r.Route("/pushes", func(r chi.Router) {
			r.Get("/", handler.ListPushes)
			r.Delete("/", handler.DeletePushes)
			r.Get("/{id}", handler.GetPush)
		})

		r.Route("/channels/{ref}", func(r chi.Router) {
			r.Get("/", handler.GetChannel)
			r.Put("/", handler.SetChannel)
			r.Delete("/", handler.DeleteChannel)
		})

		r.Route("/templates/{channel}", func(r chi.Router) {
			r.Get("/", handler.GetTemplate)
			r.Put("/", handler.SetTemplate)
		})

		r.Get("/scheduler/entries", handler.ListEntries)
	})

	return r
}

// NewCORSMiddleware creates a CORS middleware with configurable origins.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if len(allowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, allowed := range allowedOrigins {
					if origin == allowed || allowed == "*" {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key, X-Operator, X-Requested-With")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
