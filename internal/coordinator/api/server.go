// Package api exposes the coordinator's HTTP surface: job submission and
// results, balances, the worker roster, and a handful of admin and
// dashboard-support endpoints layered on top of the same store and
// scheduler the session server uses.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"campus-compute/internal/coordinator/registry"
	"campus-compute/internal/coordinator/scheduler"
	"campus-compute/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and the coordinator's shared dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	log    *slog.Logger
	addr   string

	adminToken    string
	maxCodeBytes  int64
	startingGrant int64
}

// Config carries NewServer's construction parameters.
type Config struct {
	Addr          string
	Store         store.Store
	Registry      *registry.Registry
	Scheduler     *scheduler.Scheduler
	Logger        *slog.Logger
	AdminToken    string
	MaxCodeBytes  int64
	StartingGrant int64
}

// NewServer builds and routes a Server.
func NewServer(cfg Config) *Server {
	srv := &Server{
		router:        chi.NewRouter(),
		store:         cfg.Store,
		reg:           cfg.Registry,
		sched:         cfg.Scheduler,
		log:           cfg.Logger,
		addr:          cfg.Addr,
		adminToken:    cfg.AdminToken,
		maxCodeBytes:  cfg.MaxCodeBytes,
		startingGrant: cfg.StartingGrant,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/users", func(r chi.Router) {
		r.Post("/", s.handleCreateUser)
		r.Get("/{id}", s.handleGetUser)
		r.Get("/{id}/balance", s.handleGetBalance)
		r.Get("/{id}/jobs", s.handleListUserJobs)
	})

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleCancelJob)
	})

	s.router.Get("/v1/workers", s.handleListWorkers)
	s.router.Get("/v1/activity", s.handleRecentActivity)
	s.router.Get("/v1/leaderboard", s.handleLeaderboard)

	s.router.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/workers/{id}/remove", s.handleAdminRemoveWorker)
		r.Post("/workers/{id}/pause", s.handleAdminPauseWorker)
		r.Post("/workers/{id}/resume", s.handleAdminResumeWorker)
		r.Post("/users/{id}/adjust", s.handleAdminAdjust)
	})
}

// Router exposes the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api: server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			s.writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
