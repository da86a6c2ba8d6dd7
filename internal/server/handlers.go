package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"modelwatch/internal/catalog"
	"modelwatch/internal/feed"
	"modelwatch/internal/history"
	"modelwatch/internal/watcher"
	"modelwatch/internal/webcache"
)

// changeFeedMaxAge caps client caching of the change endpoints, which
// are gated on store writes rather than poll cadence.
const changeFeedMaxAge = 300

// Envelope is the stable response shape of every JSON endpoint.
type Envelope struct {
	Status watcher.Status `json:"status"`
	Data   any            `json:"data"`
}

// modelDetail is the data payload of the single-model endpoint.
type modelDetail struct {
	Model   catalog.Model    `json:"model"`
	Changes []catalog.Change `json:"changes"`
}

// Handler holds the HTTP handlers
type Handler struct {
	store   history.Store
	watcher *watcher.Watcher
	cache   *webcache.Manager
	siteURL string
}

// NewHandler creates a new handler backed by the given store and watcher
func NewHandler(store history.Store, w *watcher.Watcher, cache *webcache.Manager, siteURL string) *Handler {
	return &Handler{
		store:   store,
		watcher: w,
		cache:   cache,
		siteURL: siteURL,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, Envelope{Status: h.watcher.Status(), Data: nil})
}

// Models handles GET /api/models
func (h *Handler) Models(c echo.Context) error {
	ctx := c.Request().Context()
	return h.serve(c, webcache.Resource{
		Key:         "api-models",
		ContentType: echo.MIMEApplicationJSON,
		Clock:       h.watcher.LastCheck(),
		MaxAge:      h.pollMaxAge(),
		Generate: func() ([]byte, error) {
			models, err := h.store.LatestSnapshot(ctx)
			if err != nil {
				return nil, NewStorageError("failed to load model snapshot", err)
			}
			if models == nil {
				models = []catalog.Model{}
			}
			return h.envelope(models)
		},
	})
}

// Removed handles GET /api/removed
func (h *Handler) Removed(c echo.Context) error {
	ctx := c.Request().Context()
	return h.serve(c, webcache.Resource{
		Key:         "api-removed",
		ContentType: echo.MIMEApplicationJSON,
		Clock:       h.watcher.LastCheck(),
		MaxAge:      h.pollMaxAge(),
		Generate: func() ([]byte, error) {
			removed, err := h.store.RemovedModels(ctx)
			if err != nil {
				return nil, NewStorageError("failed to load removed models", err)
			}
			if removed == nil {
				removed = []catalog.Change{}
			}
			return h.envelope(removed)
		},
	})
}

// Model handles GET /api/model?id=<model id>
func (h *Handler) Model(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		return handleError(c, NewInvalidRequestError("missing required query parameter: id", nil))
	}

	ctx := c.Request().Context()
	return h.serve(c, webcache.Resource{
		Key:         modelCacheKey(id),
		ContentType: echo.MIMEApplicationJSON,
		Clock:       h.watcher.LastCheck(),
		MaxAge:      h.pollMaxAge(),
		Generate: func() ([]byte, error) {
			models, err := h.store.LatestSnapshot(ctx)
			if err != nil {
				return nil, NewStorageError("failed to load model snapshot", err)
			}
			var found *catalog.Model
			for i := range models {
				if models[i].ID == id {
					found = &models[i]
					break
				}
			}
			if found == nil {
				return nil, NewNotFoundError("model not found: " + id)
			}

			changes, err := h.store.ChangesForModel(ctx, id, 0)
			if err != nil {
				return nil, NewStorageError("failed to load model change history", err)
			}
			if changes == nil {
				changes = []catalog.Change{}
			}
			return h.envelope(modelDetail{Model: *found, Changes: changes})
		},
	})
}

// Changes handles GET /api/changes
func (h *Handler) Changes(c echo.Context) error {
	ctx := c.Request().Context()
	return h.serve(c, webcache.Resource{
		Key:         "api-changes",
		ContentType: echo.MIMEApplicationJSON,
		Clock:       h.watcher.LastWrite(),
		MaxAge:      changeFeedMaxAge,
		Generate: func() ([]byte, error) {
			changes, err := h.store.RecentChanges(ctx, 0)
			if err != nil {
				return nil, NewStorageError("failed to load recent changes", err)
			}
			if changes == nil {
				changes = []catalog.Change{}
			}
			return h.envelope(changes)
		},
	})
}

// RSS handles GET /rss
func (h *Handler) RSS(c echo.Context) error {
	ctx := c.Request().Context()
	return h.serve(c, webcache.Resource{
		Key:         "rss",
		ContentType: "application/rss+xml; charset=utf-8",
		Clock:       h.watcher.LastWrite(),
		MaxAge:      changeFeedMaxAge,
		Generate: func() ([]byte, error) {
			changes, err := h.store.RecentChanges(ctx, 0)
			if err != nil {
				return nil, NewStorageError("failed to load recent changes", err)
			}
			return feed.Render(changes, h.siteURL, time.Now())
		},
	})
}

func (h *Handler) serve(c echo.Context, res webcache.Resource) error {
	if err := h.cache.Serve(c, res); err != nil {
		return handleError(c, err)
	}
	return nil
}

// envelope renders the shared response envelope around data.
func (h *Handler) envelope(data any) ([]byte, error) {
	body, err := json.Marshal(Envelope{Status: h.watcher.Status(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return body, nil
}

// pollMaxAge derives the Cache-Control lifetime from the time remaining
// until the next scheduled check.
func (h *Handler) pollMaxAge() int {
	secs := int(time.Until(h.watcher.NextCheck()).Seconds())
	if secs < 0 {
		secs = 0
	}
	return secs
}

var cacheKeyCleaner = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// modelCacheKey builds a filesystem-safe cache key for a model ID. The
// hash suffix keeps distinct IDs distinct after sanitization.
func modelCacheKey(id string) string {
	cleaned := cacheKeyCleaner.ReplaceAllString(id, "-")
	if len(cleaned) > 80 {
		cleaned = cleaned[:80]
	}
	return fmt.Sprintf("api-model-%s-%016x", cleaned, xxhash.Sum64String(id))
}

// handleError converts API errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return c.JSON(apiErr.HTTPStatusCode(), apiErr.ToJSON())
	}

	// Fallback for unexpected errors
	slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
