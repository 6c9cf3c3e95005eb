package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contexta-ingest/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta-ingest/internal/api/middlewares"
	"github.com/markdave123-py/contexta-ingest/internal/config"
)

// Handlers is everything the router mounts.
type Handlers struct {
	Ingest     *handlers.IngestHandler
	Documents  *handlers.DocumentHandler
	Search     *handlers.SearchHandler
	Cache      *handlers.CacheHandler
	Metrics    http.Handler
	Health     func(ctx context.Context) error
	AdminToken string
}

// NewRouter builds the chi router with every API route.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if h.Health != nil {
			if err := h.Health(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/ingest", h.Ingest.Ingest)
		api.Post("/documents/upload", h.Ingest.Upload)
		api.Get("/jobs/{id}", h.Ingest.GetJob)
		api.Delete("/jobs/{id}", h.Ingest.CancelJob)

		api.Get("/documents", h.Documents.GetDocuments)
		api.Get("/documents/{id}", h.Documents.GetDocument)
		api.Post("/documents/{id}/archive", h.Documents.ArchiveDocument)

		api.Post("/search", h.Search.Search)

		api.Group(func(admin chi.Router) {
			admin.Use(appMiddleware.AdminToken(h.AdminToken))
			admin.Get("/admin/cache", h.Cache.Stats)
			admin.Delete("/admin/cache/{digest}", h.Cache.Invalidate)
			admin.Put("/admin/cache/enabled", h.Cache.SetEnabled)
		})
	})

	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, h Handlers) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, logger: slog.Default().With("component", "http")}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
