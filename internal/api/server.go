// Package api is the HTTP control surface: dispatch, fallback, roadmap,
// and transcript endpoints plus the per-job SSE stream. The listener is
// expected to bind loopback; a bearer API key is an optional second layer.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CantinaDigital/claudetini/internal/fallback"
	"github.com/CantinaDigital/claudetini/internal/job"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

// Dispatcher is the primary dispatch surface consumed by the handlers.
type Dispatcher interface {
	Start(req job.Request) (string, error)
	Status(id string) (job.Job, error)
	Cancel(id string) (job.Status, error)
	Stream(id string) *stream.Emitter
	Transcript(id string) (bool, []string, error)
	Active() int
}

// FallbackRunner is the alternate-provider surface.
type FallbackRunner interface {
	Start(req fallback.Request) (string, error)
	Status(id string) (job.Job, error)
	Cancel(id string) error
	Providers() []string
}

// RoadmapToggler flips roadmap item completion state.
type RoadmapToggler interface {
	ToggleItem(ctx context.Context, project, itemText string) (bool, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey, when set, is required as an Authorization bearer token on
	// every endpoint except /healthz.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	dispatch  Dispatcher
	fallback  FallbackRunner
	roadmap   RoadmapToggler // nil when no roadmap store is configured
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. roadmap may be nil.
func New(config Config, dispatch Dispatcher, fb FallbackRunner, roadmap RoadmapToggler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		dispatch:  dispatch,
		fallback:  fb,
		roadmap:   roadmap,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: SSE streams stay open for the life of a job.
		IdleTimeout: 60 * time.Second,
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

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/dispatch", s.handleDispatch)
		r.Get("/dispatch/{jobID}", s.handleDispatchStatus)
		r.Post("/dispatch/{jobID}/cancel", s.handleDispatchCancel)
		r.Get("/dispatch/{jobID}/stream", s.handleDispatchStream)

		r.Post("/fallback", s.handleFallback)
		r.Get("/fallback/{jobID}", s.handleFallbackStatus)
		r.Post("/fallback/{jobID}/cancel", s.handleFallbackCancel)

		r.Post("/roadmap/toggle", s.handleRoadmapToggle)
		r.Get("/transcript/{jobID}", s.handleTranscript)
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
