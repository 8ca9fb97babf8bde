// Package web provides the HTTP API for survey exports and the signed
// download route for objects held in the embedded store.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/fieldexport/internal/config"
	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/JonMunkholm/fieldexport/internal/storage"
	"github.com/JonMunkholm/fieldexport/internal/web/middleware"
)

// Exporter runs one export request.
type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Result, error)
}

// ObjectReader opens stored objects for download.
type ObjectReader interface {
	Open(key string) (*storage.ObjectInfo, io.ReadCloser, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Exporter Exporter
	Limiter  *export.Limiter
	Logger   *slog.Logger
	Security config.SecurityConfig
	Export   config.ExportConfig

	// Objects and Signer enable the download route. Both are nil when an
	// external object store serves the links.
	Objects ObjectReader
	Signer  *storage.Signer

	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// RateLimit is the number of API requests allowed per client per
	// minute. Zero disables rate limiting.
	RateLimit int
}

// Server is the HTTP server for the export API.
type Server struct {
	deps   Deps
	router *chi.Mux
	server *http.Server
	rl     *rateLimiter
}

// NewServer creates a new Server instance.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.deps.Security.TrustedProxies))
	s.router.Use(middleware.InjectLogger(s.deps.Logger))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		if s.deps.RateLimit > 0 {
			s.rl = newRateLimiter(s.deps.RateLimit, time.Minute)
			r.Use(s.rl.middleware)
		}

		// Signed links carry their own authorization.
		if s.deps.Objects != nil && s.deps.Signer != nil {
			r.Get("/objects/*", s.handleDownload)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(&s.deps.Security))
			r.Get("/sections", s.handleListSections)
			r.Post("/surveys/{surveyID}/exports", s.handleCreateExport)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.deps.Logger.Info("starting server", "addr", cfg.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rl != nil {
		s.rl.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Limiter != nil {
		body["exports"] = s.deps.Limiter.Status()
	}
	writeJSON(w, r, http.StatusOK, body)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
