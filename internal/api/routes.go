package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router
func NewRouter(handlers *Handlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer)      // Panic recovery
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint (no auth required)
	r.Get("/health", handlers.Health)

	// API v1 routes (with authentication)
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		// Event ingestion - the hosting platform posts events here
		r.Post("/events", handlers.SubmitEvent)

		// Workflows
		r.Get("/workflows", handlers.ListWorkflows)
		r.Get("/workflows/{workflow}", handlers.GetWorkflow)

		// Runs
		r.Get("/runs", handlers.ListRuns)
		r.Get("/runs/{run_id}", handlers.GetRun)
		r.Get("/runs/{run_id}/events", handlers.StreamEvents)
		r.Post("/runs/{run_id}/cancel", handlers.CancelRun)

		// Job instances and step logs
		r.Get("/runs/{run_id}/instances", handlers.ListInstances)
		r.Get("/runs/{run_id}/instances/{instance_id}", handlers.GetInstance)
		r.Get("/runs/{run_id}/instances/{instance_id}/steps/{index}/logs", handlers.StepLogs)
	})

	return r
}
