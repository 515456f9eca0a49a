package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyderes/media-ingestion-service/internal/auth"
	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

// Ingester starts an ingestion run without waiting for it
type Ingester interface {
	Trigger(ctx context.Context) error
}

// Server handles HTTP requests
type Server struct {
	config     config.ServerConfig
	storage    storage.Storage
	reconciler *storage.Reconciler
	auth       *auth.Service
	ingester   Ingester
	router     chi.Router
	server     *http.Server
}

// NewServer creates a new HTTP server. ingester may be nil, in which case
// manual runs are rejected.
func NewServer(cfg config.ServerConfig, store storage.Storage, reconciler *storage.Reconciler, authSvc *auth.Service, ingester Ingester) *Server {
	s := &Server{
		config:     cfg,
		storage:    store,
		reconciler: reconciler,
		auth:       authSvc,
		ingester:   ingester,
	}
	s.router = s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.loginRateLimit()).Post("/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.requireActiveUser)

		r.Get("/posts", s.handleListPosts)
		r.Post("/posts", s.handleUpsertPosts)
		r.Get("/posts/approved/image", s.handleApprovedImagePost)
		r.Get("/posts/unapproved/image", s.handleUnapprovedImagePosts)

		r.Get("/status", s.handleStatus)
		r.Post("/ingest", s.handleIngest)
	})

	return r
}

func (s *Server) loginRateLimit() func(http.Handler) http.Handler {
	if s.config.LoginRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.config.LoginRateLimit,
		s.config.LoginRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeDetail(w, http.StatusTooManyRequests, "Too many login attempts")
		}),
	)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
