package server

import (
	"context"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"modelwatch/internal/history"
	"modelwatch/internal/metrics"
	"modelwatch/internal/watcher"
	"modelwatch/internal/webcache"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	PublicDir       string // Directory served for paths outside the API
	SiteURL         string // Absolute base URL used in feed links
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
}

// New creates a new HTTP server. A nil cache manager disables response
// caching without changing the routing surface.
func New(store history.Store, w *watcher.Watcher, cache *webcache.Manager, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true

	siteURL := "http://localhost:8080"
	if cfg != nil && cfg.SiteURL != "" {
		siteURL = cfg.SiteURL
	}
	handler := NewHandler(store, w, cache, siteURL)

	// Global middleware stack (order matters)
	e.Use(RequestIDMiddleware())
	e.Use(AccessLogMiddleware())
	e.Use(middleware.Recover())

	// Public routes
	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		e.GET(metricsPath, echo.WrapHandler(metrics.Handler()))
	}

	// API routes; the cached endpoints answer HEAD with full headers.
	cached := []struct {
		path    string
		handler echo.HandlerFunc
	}{
		{"/api/models", handler.Models},
		{"/api/removed", handler.Removed},
		{"/api/model", handler.Model},
		{"/api/changes", handler.Changes},
		{"/rss", handler.RSS},
	}
	for _, r := range cached {
		e.GET(r.path, r.handler)
		e.HEAD(r.path, r.handler)
	}
	e.GET("/api/status", handler.Status)

	// Everything else falls through to the static site.
	if cfg != nil && cfg.PublicDir != "" {
		e.Static("/", cfg.PublicDir)
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
