// Package api serves the read-only operations endpoint: health, Prometheus
// metrics and job lookup.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/repoflow/internal/queue"
	"github.com/mattjoyce/repoflow/internal/status"
)

// JobReader is the part of the queue the endpoint reads.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	FindJobsByStatus(ctx context.Context, s queue.Status) ([]*queue.Job, error)
}

// RepositoryLister reports the tracked repositories.
type RepositoryLister interface {
	ListAllRepositories(ctx context.Context) ([]status.Repository, error)
}

// Config holds ops server configuration.
type Config struct {
	Listen string
}

// Server represents the ops HTTP server.
type Server struct {
	config    Config
	jobs      JobReader
	repos     RepositoryLister
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. metrics may be nil, in which case /metrics is not
// routed.
func New(config Config, jobs JobReader, repos RepositoryLister, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		jobs:      jobs,
		repos:     repos,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("ops server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ops server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the router. Exposed so tests can drive it with httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/job/{jobID}", s.handleGetJob)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
