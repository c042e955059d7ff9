// Package server exposes the operator surface: health, breaker and queue
// state, manual triggers and endpoint enable/disable.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/file-connector/internal/governor"
	"github.com/file-connector/internal/metrics"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/scheduler"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/pkg/logger"
)

// Controller applies operator commands
type Controller interface {
	TriggerNow(ctx context.Context, id string) error
	EnableEndpoint(ctx context.Context, id string) error
	DisableEndpoint(ctx context.Context, id string) error
}

// Scheduler reports trigger state
type Scheduler interface {
	States() []scheduler.EndpointState
	State(id string) scheduler.State
}

// Deps are the components the handlers read from
type Deps struct {
	Controller Controller
	Store      storage.Repository
	Scheduler  Scheduler
	Governor   *governor.Governor
	Pools      *pool.Manager
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	StartTime  time.Time
}

// Config holds listener settings
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the HTTP server and its dependencies
type Server struct {
	http *http.Server
	log  *logger.Logger
}

// New builds the HTTP server (router, middlewares, route registration)
func New(cfg Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.StartTime.IsZero() {
		d.StartTime = time.Now()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	log := d.Log.WithComponent("server")
	d.Log = log

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Router(d, cfg.WriteTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &Server{http: s, log: log}
}

// Router builds the operator routes
func Router(d Deps, timeout time.Duration) http.Handler {
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(accessLog(d.Log))

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Route("/endpoints", func(r chi.Router) {
		r.Get("/", h.listEndpoints)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/runs", h.listRuns)
			r.Post("/trigger", h.trigger)
			r.Post("/enable", h.enable)
			r.Post("/disable", h.disable)
		})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the HTTP server (blocks until error or shutdown)
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Operator server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Operator server shutting down")
	return s.http.Shutdown(ctx)
}
