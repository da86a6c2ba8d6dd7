package webcache

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"modelwatch/internal/metrics"
)

// Resource binds an endpoint to cached content.
type Resource struct {
	// Key is the cache file name.
	Key string

	// ContentType of the generated payload.
	ContentType string

	// Clock is the data clock the cached artifact must be at least as
	// new as, typically the watcher's last check or the store's last
	// write.
	Clock time.Time

	// MaxAge is the Cache-Control lifetime in seconds.
	MaxAge int

	// Generate renders the payload on a cache miss.
	Generate func() ([]byte, error)
}

// Serve answers one request for res, from the cache when the artifact is
// fresh and from a fresh generator run otherwise. Regenerated content is
// sent to the client immediately and materialized in the background.
// A nil Manager disables caching and serves every request generated.
func (m *Manager) Serve(c echo.Context, res Resource) error {
	if m != nil && m.Fresh(res.Key, res.Clock) {
		entry, err := m.Load(res.Key)
		if err == nil {
			metrics.ObserveCacheEvent("hit")
			return serveEntry(c, res, entry)
		}
		slog.Warn("failed to load cached artifact", "key", res.Key, "error", err)
	}

	body, err := res.Generate()
	if err != nil {
		return err
	}

	if m == nil {
		metrics.ObserveCacheEvent("bypass")
	} else {
		metrics.ObserveCacheEvent("miss")
		m.StoreAsync(res.Key, body)
	}
	return serveGenerated(c, res, body)
}

// serveEntry answers from a materialized artifact, honoring conditional
// request headers and gzip negotiation.
func serveEntry(c echo.Context, res Resource, entry *Entry) error {
	req := c.Request()
	h := c.Response().Header()

	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", res.MaxAge))
	h.Set("ETag", entry.ETag)
	h.Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))
	h.Set("X-Content-Length", strconv.Itoa(len(entry.Body)))

	if match := req.Header.Get("If-None-Match"); match != "" && match == entry.ETag {
		return c.NoContent(http.StatusNotModified)
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			// HTTP dates carry whole seconds while file mtimes are
			// finer, so up to a second of drift counts as unmodified.
			if entry.ModTime.Sub(t) <= time.Second {
				return c.NoContent(http.StatusNotModified)
			}
		}
	}

	body := entry.Body
	if entry.GzBody != nil && strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
		h.Set("Content-Encoding", "gzip")
		body = entry.GzBody
	}

	if req.Method == http.MethodHead {
		h.Set(echo.HeaderContentType, res.ContentType)
		return c.NoContent(http.StatusOK)
	}
	return c.Blob(http.StatusOK, res.ContentType, body)
}

// serveGenerated answers with just-generated bytes. There is no tag or
// stable modification time yet, so conditional headers are not evaluated.
func serveGenerated(c echo.Context, res Resource, body []byte) error {
	h := c.Response().Header()
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", res.MaxAge))
	h.Set("X-Content-Length", strconv.Itoa(len(body)))

	if c.Request().Method == http.MethodHead {
		h.Set(echo.HeaderContentType, res.ContentType)
		return c.NoContent(http.StatusOK)
	}
	return c.Blob(http.StatusOK, res.ContentType, body)
}
