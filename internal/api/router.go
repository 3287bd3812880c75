// Package api serves the read-only run history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/storage"
)

const (
	defaultRecentLimit = 200
	readTimeout        = 15 * time.Second
	idleTimeout        = 60 * time.Second
)

// Reconciler re-registers triggers from the current settings
type Reconciler interface {
	ReconcileCurrent(ctx context.Context) error
}

// Config defines configuration for the API server
type Config struct {
	Addr        string
	AuthToken   string
	RecentLimit int
}

// Server holds the HTTP server state
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	router     *chi.Mux
	ledger     storage.RunLedger
	settings   storage.SettingsStore
	reconciler Reconciler
	config     Config
	now        func() time.Time
}

// NewServer constructs the HTTP API server. reconciler may be nil, which
// disables POST /v1/reconcile.
func NewServer(config Config, ledger storage.RunLedger, settings storage.SettingsStore, reconciler Reconciler, logger *zap.Logger) *Server {
	if config.RecentLimit <= 0 {
		config.RecentLimit = defaultRecentLimit
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		logger:     logger.Named("api"),
		router:     router,
		ledger:     ledger,
		settings:   settings,
		reconciler: reconciler,
		config:     config,
		now:        time.Now,
	}
	router.Use(s.requestLogger)
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        config.Addr,
		Handler:     router,
		ReadTimeout: readTimeout,
		// streams stay open until the run finishes
		WriteTimeout: 0,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		if s.config.AuthToken != "" {
			r.Use(AuthMiddleware(s.config.AuthToken))
		}

		r.Post("/reconcile", s.handleReconcile)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{taskID}/runs", s.handleListTaskRuns)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleRecentRuns)
			r.Get("/stream", s.handleRecentRunsStream)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/stream", s.handleRunStream)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciler not configured")
		return
	}
	if err := s.reconciler.ReconcileCurrent(r.Context()); err != nil {
		s.logger.Error("Manual reconcile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "reconcile failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// limitParam reads ?limit= clamped to [1, ceiling].
func limitParam(r *http.Request, ceiling int) int {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return ceiling
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return ceiling
	}
	if parsed > ceiling {
		return ceiling
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
