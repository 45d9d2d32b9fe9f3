// Package api exposes the orchestrator over HTTP: triggering and
// cancelling runs, inspecting run and job state, and a server-sent event
// stream of the live event hub.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/gantry/internal/audit"
	"github.com/mattjoyce/gantry/internal/engine"
	"github.com/mattjoyce/gantry/internal/events"
	gantrylog "github.com/mattjoyce/gantry/internal/log"
)

// History serves persisted run data for finished runs. *audit.Log
// satisfies it; nil limits the API to in-memory runs.
type History interface {
	GetRun(ctx context.Context, runID string) (audit.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]audit.RunRecord, error)
	JobHistory(ctx context.Context, runID, jobID string) ([]audit.TransitionRecord, error)
	Outputs(ctx context.Context, runID, jobID string) (map[string]string, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is an optional bearer token; empty disables authentication.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	engine    *engine.Engine
	history   History
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, eng *engine.Engine, history History, hub *events.Hub) *Server {
	return &Server{
		config:    config,
		engine:    eng,
		history:   history,
		hub:       hub,
		logger:    gantrylog.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
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

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/workflows", s.handleListWorkflows)
		r.Post("/v1/runs", s.handleTriggerRun)
		r.Get("/v1/runs", s.handleListRuns)
		r.Get("/v1/runs/{runID}", s.handleGetRun)
		r.Get("/v1/runs/{runID}/jobs/{jobID}", s.handleGetJob)
		r.Post("/v1/runs/{runID}/cancel", s.handleCancelRun)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
