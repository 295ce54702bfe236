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
	"github.com/go-chi/cors"

	"github.com/seantiz/crucible/internal/batch"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/execution"
	"github.com/seantiz/crucible/internal/outputfile"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Services are the operations exposed over HTTP.
type Services struct {
	Batches    *batch.Service
	Executions *execution.Service
	Outputs    *outputfile.Service
	Engines    *engine.Registry
	// Store is pinged by /healthz when set.
	Store Pinger
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	batches    *batch.Service
	executions *execution.Service
	outputs    *outputfile.Service
	engines    *engine.Registry
	store      Pinger
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, svc Services, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		batches:    svc.Batches,
		executions: svc.Executions,
		outputs:    svc.Outputs,
		engines:    svc.Engines,
		store:      svc.Store,
		logger:     logger.With("component", "api"),
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", headerTenant, headerUser, headerRole},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/engines", s.handleListEngines)

		// Engines report steps without a user principal.
		r.Post("/executions/{id}/steps", s.handleAppendStep)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePrincipal)

			r.Get("/processes", s.handleListProcesses)

			r.Post("/batches", s.handleCreateBatch)
			r.Get("/batches/{id}", s.handleGetBatch)

			r.Post("/executions", s.handleLaunchExecution)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{id}", s.handleGetExecution)
			r.Post("/executions/{id}/run", s.handleRunExecution)
			r.Post("/executions/{id}/cancel", s.handleCancelExecution)
			r.Get("/executions/{id}/steps/stream", s.handleStreamSteps)

			r.Post("/downloads", s.handleMarkDownloaded)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is done, then shuts the
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
