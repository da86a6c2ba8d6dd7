package webcache

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"modelwatch/internal/metrics"
)

func serveRequest(t *testing.T, m *Manager, res Resource, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := m.Serve(c, res); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return rec
}

func TestServe(t *testing.T) {
	metrics.Init()

	payload := []byte(`{"status":"ok"}`)
	clock := time.Now().Add(-time.Minute)

	t.Run("DisabledCacheGenerates", func(t *testing.T) {
		var m *Manager // caching off

		calls := 0
		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				calls++
				return payload, nil
			},
		}

		rec := serveRequest(t, m, res, httptest.NewRequest(http.MethodGet, "/api/models", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), payload) {
			t.Errorf("body = %q, want %q", rec.Body.Bytes(), payload)
		}
		if calls != 1 {
			t.Errorf("generator ran %d times, want 1", calls)
		}
		if got := rec.Header().Get("Cache-Control"); got != "public, max-age=60" {
			t.Errorf("Cache-Control = %q", got)
		}
		if got := rec.Header().Get("X-Content-Length"); got != strconv.Itoa(len(payload)) {
			t.Errorf("X-Content-Length = %q, want %d", got, len(payload))
		}
	})

	t.Run("ServesFromCache", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Store("api-models", payload); err != nil {
			t.Fatalf("unexpected error on store: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				t.Error("generator invoked on fresh cache")
				return nil, nil
			},
		}

		rec := serveRequest(t, m, res, httptest.NewRequest(http.MethodGet, "/api/models", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), payload) {
			t.Errorf("body = %q, want %q", rec.Body.Bytes(), payload)
		}
		if rec.Header().Get("ETag") == "" {
			t.Error("cached response has no ETag")
		}
		if rec.Header().Get("Last-Modified") == "" {
			t.Error("cached response has no Last-Modified")
		}
	})

	t.Run("MissMaterializesInBackground", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate:    func() ([]byte, error) { return payload, nil },
		}

		rec := serveRequest(t, m, res, httptest.NewRequest(http.MethodGet, "/api/models", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), payload) {
			t.Errorf("body = %q, want %q", rec.Body.Bytes(), payload)
		}

		deadline := time.After(2 * time.Second)
		for !m.Fresh("api-models", clock) {
			select {
			case <-deadline:
				t.Fatal("artifact never materialized in the background")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	t.Run("NotModifiedByETag", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Store("api-models", payload); err != nil {
			t.Fatalf("unexpected error on store: %v", err)
		}
		entry, err := m.Load("api-models")
		if err != nil {
			t.Fatalf("unexpected error on load: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				t.Error("generator invoked on fresh cache")
				return nil, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("If-None-Match", entry.ETag)
		rec := serveRequest(t, m, res, req)
		if rec.Code != http.StatusNotModified {
			t.Fatalf("status = %d, want 304", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("304 response has %d body bytes", rec.Body.Len())
		}

		// A tag from older content gets the full response.
		req = httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("If-None-Match", `"deadbeefdeadbeef-0"`)
		rec = serveRequest(t, m, res, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d for mismatched tag, want 200", rec.Code)
		}
	})

	t.Run("NotModifiedBySince", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Store("api-models", payload); err != nil {
			t.Fatalf("unexpected error on store: %v", err)
		}
		entry, err := m.Load("api-models")
		if err != nil {
			t.Fatalf("unexpected error on load: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				t.Error("generator invoked on fresh cache")
				return nil, nil
			},
		}

		// HTTP dates drop sub-second precision, the tolerance window
		// must still treat this as unmodified.
		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("If-Modified-Since", entry.ModTime.UTC().Format(http.TimeFormat))
		rec := serveRequest(t, m, res, req)
		if rec.Code != http.StatusNotModified {
			t.Fatalf("status = %d, want 304", rec.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("If-Modified-Since", entry.ModTime.UTC().Add(-time.Hour).Format(http.TimeFormat))
		rec = serveRequest(t, m, res, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d for stale date, want 200", rec.Code)
		}
	})

	t.Run("GzipNegotiation", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Store("api-models", payload); err != nil {
			t.Fatalf("unexpected error on store: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				t.Error("generator invoked on fresh cache")
				return nil, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		rec := serveRequest(t, m, res, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
			t.Fatalf("Content-Encoding = %q, want gzip", got)
		}
		if got := gunzip(t, rec.Body.Bytes()); !bytes.Equal(got, payload) {
			t.Errorf("decompressed body = %q, want %q", got, payload)
		}
		if got := rec.Header().Get("X-Content-Length"); got != strconv.Itoa(len(payload)) {
			t.Errorf("X-Content-Length = %q, want uncompressed length %d", got, len(payload))
		}
	})

	t.Run("HeadOmitsBody", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Store("api-models", payload); err != nil {
			t.Fatalf("unexpected error on store: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate: func() ([]byte, error) {
				t.Error("generator invoked on fresh cache")
				return nil, nil
			},
		}

		rec := serveRequest(t, m, res, httptest.NewRequest(http.MethodHead, "/api/models", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("HEAD response has %d body bytes", rec.Body.Len())
		}
		if got := rec.Header().Get("X-Content-Length"); got != strconv.Itoa(len(payload)) {
			t.Errorf("X-Content-Length = %q, want %d", got, len(payload))
		}
		if rec.Header().Get("ETag") == "" {
			t.Error("HEAD response has no ETag")
		}
	})

	t.Run("GeneratorErrorPropagates", func(t *testing.T) {
		m, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		res := Resource{
			Key:         "api-models",
			ContentType: echo.MIMEApplicationJSON,
			Clock:       clock,
			MaxAge:      60,
			Generate:    func() ([]byte, error) { return nil, echo.ErrInternalServerError },
		}

		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/models", nil), rec)
		if err := m.Serve(c, res); err == nil {
			t.Fatal("expected generator error to propagate")
		}
	})
}
