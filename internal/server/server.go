// Package server is the Forge REST API: changes come in, buildsets and
// their build requests can be inspected, and schedulers can be listed
// and force-triggered.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/forge/internal/bus"
	"github.com/me/forge/internal/config"
	"github.com/me/forge/internal/scheduler"
	"github.com/me/forge/internal/store"
)

// Server is the Forge REST API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	config     config.ServerConfig
	startTime  time.Time
	store      store.Store
	bus        *bus.Bus
	schedulers map[string]scheduler.Scheduler
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithSchedulers registers the running schedulers, keyed by name, for
// the /schedulers endpoints.
func WithSchedulers(schedulers map[string]scheduler.Scheduler) Option {
	return func(s *Server) {
		s.schedulers = schedulers
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, b *bus.Bus, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With("component", "server"),
		config:     cfg,
		startTime:  time.Now(),
		store:      st,
		bus:        b,
		schedulers: map[string]scheduler.Scheduler{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Changes
		r.Route("/changes", func(r chi.Router) {
			r.Get("/", s.handleListChanges)
			r.Post("/", s.handleCreateChange)
			r.Get("/{id}", s.handleGetChange)
		})

		// Buildsets (read-only; schedulers create them)
		r.Route("/buildsets", func(r chi.Router) {
			r.Get("/", s.handleListBuildsets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetBuildset)
				r.Get("/requests", s.handleListBuildRequests)
			})
		})

		// Schedulers
		r.Route("/schedulers", func(r chi.Router) {
			r.Get("/", s.handleListSchedulers)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetScheduler)
				r.Post("/force", s.handleForceScheduler)
			})
		})
	})
}
