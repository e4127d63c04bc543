package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/config"
	"github.com/PortNumber53/tarot-reading/backend/internal/handlers"
	requesttracking "github.com/PortNumber53/tarot-reading/backend/internal/middleware"
	"github.com/PortNumber53/tarot-reading/backend/internal/worker"
)

// Deps are the collaborators the router is built from.
type Deps struct {
	Store   handlers.Pinger
	Billing *handlers.BillingHandler
	Worker  *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.RequestTracker)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.Store))
	router.Handle("/metrics", promhttp.Handler())

	if deps.Billing != nil {
		deps.Billing.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Info().Msg("starting job worker")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Msg("shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("worker shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
