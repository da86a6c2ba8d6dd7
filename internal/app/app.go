// Package app wires the watcher's components together and manages their
// lifecycle, so the entry point and the test harnesses construct the
// application the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"modelwatch/config"
	"modelwatch/internal/catalog"
	"modelwatch/internal/history"
	"modelwatch/internal/server"
	"modelwatch/internal/storage"
	"modelwatch/internal/watcher"
	"modelwatch/internal/webcache"
)

// App holds the wired components of the catalog watcher.
// It provides centralized lifecycle management for all of them.
type App struct {
	config  *config.Config
	backend storage.Storage
	store   history.Store
	watcher *watcher.Watcher
	cache   *webcache.Manager
	server  *server.Server

	stopWatcher context.CancelFunc
	watcherDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized and the poll
// loop running. The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: cfg}

	backend, err := storage.New(ctx, storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.SQLitePath},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgresURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.backend = backend

	store, err := history.New(backend)
	if err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize history store: %w (also: storage close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}
	app.store = store

	fetcher := catalog.NewClient(catalog.ClientConfig{
		BaseURL: cfg.API.URL,
		APIKey:  cfg.API.APIKey,
	})

	w, err := watcher.New(ctx, fetcher, store, watcher.Config{
		Interval:    cfg.Watcher.Interval,
		Development: cfg.Server.Development,
	})
	if err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize watcher: %w (also: storage close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize watcher: %w", err)
	}
	app.watcher = w

	if cfg.Cache.Enabled {
		cache, err := webcache.New(cfg.Cache.Dir)
		if err != nil {
			if closeErr := backend.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize response cache: %w (also: storage close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize response cache: %w", err)
		}
		app.cache = cache
	}

	app.logStartupInfo()

	app.server = server.New(store, w, app.cache, &server.Config{
		PublicDir:       cfg.Server.PublicDir,
		SiteURL:         cfg.Server.SiteURL,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	})

	// The poll loop is detached from the construction context so an
	// expired startup deadline does not stop it later.
	watchCtx, stop := context.WithCancel(context.Background())
	app.stopWatcher = stop
	app.watcherDone = make(chan struct{})
	go func() {
		defer close(app.watcherDone)
		w.Run(watchCtx)
	}()

	return app, nil
}

// Watcher returns the poll loop driver, mainly for tests that trigger
// checks directly.
func (a *App) Watcher() *watcher.Watcher {
	return a.watcher
}

// Store returns the history store.
func (a *App) Store() history.Store {
	return a.store
}

// Server returns the HTTP server. It implements http.Handler, so tests
// can drive it without binding a port.
func (a *App) Server() *server.Server {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down the components in dependency order:
// the HTTP server stops accepting requests, then the poll loop is
// stopped and awaited, then the database is closed.
//
// Shutdown is idempotent and safe for repeated calls; after the first
// call, subsequent calls are no-ops. It attempts every step, aggregates
// failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.stopWatcher != nil {
		a.stopWatcher()
		select {
		case <-a.watcherDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("watcher stop: %w", ctx.Err()))
		}
	}

	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	slog.Info("watcher configured",
		"url", cfg.API.URL,
		"interval", cfg.Watcher.Interval,
		"development", cfg.Server.Development,
	)
	if cfg.API.APIKey != "" {
		slog.Info("upstream authentication enabled", "mode", "bearer_token")
	}

	slog.Info("storage configured", "type", cfg.Storage.Type)

	if cfg.Cache.Enabled {
		slog.Info("response cache enabled", "dir", cfg.Cache.Dir)
	} else {
		slog.Info("response cache disabled")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
}
