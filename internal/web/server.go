// Package web provides the HTTP API and preview page for staged imports.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/stagedimport/internal/config"
	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/web/middleware"
)

// DefaultResponseErrorLimit caps the row errors returned by the upload call.
const DefaultResponseErrorLimit = 200

// multipartOverhead is the allowance for form boundaries and fields on top
// of the file size limit.
const multipartOverhead = 1 << 20

// Options tunes the HTTP layer.
type Options struct {
	// MaxUploadSize is the file size limit; the request body may exceed it
	// by the multipart overhead.
	MaxUploadSize int64
	// ResponseErrorLimit caps the row errors in the upload response;
	// negative means no errors are returned inline.
	ResponseErrorLimit int
	// Stats is optional; when set, health output includes session counts.
	Stats core.StatusCounter
	// Columns orders the preview page table.
	Columns []string
}

// Server is the HTTP server for the import service.
type Server struct {
	service *core.Service
	cfg     config.ServerConfig
	opts    Options
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, cfg config.ServerConfig, opts Options) *Server {
	if opts.ResponseErrorLimit == 0 {
		opts.ResponseErrorLimit = DefaultResponseErrorLimit
	}
	s := &Server{
		service: service,
		cfg:     cfg,
		opts:    opts,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Pages
	s.router.Get("/imports/{importID}", s.handlePreviewPage)

	s.router.Route("/api/imports", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/{importID}", s.handleSession)
		r.Get("/{importID}/preview", s.handlePreview)
		r.Get("/{importID}/errors", s.handleErrors)
		r.Post("/{importID}/commit", s.handleCommit)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Encoding errors are only logged since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
