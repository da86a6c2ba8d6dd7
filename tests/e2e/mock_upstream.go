//go:build e2e

package e2e

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"modelwatch/internal/catalog"
)

// MockCatalogServer simulates the upstream model catalog API.
type MockCatalogServer struct {
	server *httptest.Server

	mu           sync.Mutex
	models       []catalog.Model
	requests     []RecordedRequest
	failWithCode int
	gzipBody     bool
}

// RecordedRequest stores information about a received request.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

// NewMockCatalogServer creates a mock catalog serving the given models.
func NewMockCatalogServer(models []catalog.Model) *MockCatalogServer {
	m := &MockCatalogServer{models: models}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
		})
		code := m.failWithCode
		useGzip := m.gzipBody
		body, err := json.Marshal(map[string]any{"data": m.models})
		m.mu.Unlock()

		if r.URL.Path != "/api/v1/models" {
			http.NotFound(w, r)
			return
		}
		if code != 0 {
			http.Error(w, `{"error":"upstream unavailable"}`, code)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if useGzip {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write(body)
			_ = gz.Close()
			return
		}
		_, _ = w.Write(body)
	}))

	return m
}

// URL returns the base URL of the mock server.
func (m *MockCatalogServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCatalogServer) Close() {
	m.server.Close()
}

// SetModels replaces the model list served on the next request.
func (m *MockCatalogServer) SetModels(models []catalog.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
}

// FailWith makes subsequent requests return the given status code.
// Zero restores normal responses.
func (m *MockCatalogServer) FailWith(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWithCode = code
}

// SetGzip toggles gzip encoding of the response body.
func (m *MockCatalogServer) SetGzip(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gzipBody = enabled
}

// RequestCount returns the number of requests received so far.
func (m *MockCatalogServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none arrived.
func (m *MockCatalogServer) LastRequest() *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	req := m.requests[len(m.requests)-1]
	return &req
}
