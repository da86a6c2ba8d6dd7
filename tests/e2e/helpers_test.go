//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modelwatch/config"
	"modelwatch/internal/app"
	"modelwatch/internal/catalog"
	"modelwatch/internal/metrics"
	"modelwatch/internal/watcher"
)

// startApp wires a full application against the mock upstream and serves
// it over a local listener. Everything is torn down via t.Cleanup.
func startApp(t *testing.T, mock *MockCatalogServer, apiKey string) (*app.App, string) {
	t.Helper()
	metrics.Init()

	cfg := config.Default()
	cfg.API.URL = mock.URL()
	cfg.API.APIKey = apiKey
	// Long interval, tests trigger checks explicitly after the first one.
	cfg.Watcher.Interval = time.Hour
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "history.db")
	cfg.Cache.Dir = t.TempDir()
	cfg.Server.PublicDir = ""
	cfg.Metrics.Enabled = false

	t.Cleanup(mock.Close)

	application, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			t.Errorf("shutdown error: %v", err)
		}
	})

	ts := httptest.NewServer(application.Server())
	t.Cleanup(ts.Close)

	return application, ts.URL
}

// envelope is the response wrapper shared by all JSON endpoints.
type envelope struct {
	Status watcher.Status  `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// getEnvelope fetches a JSON endpoint and decodes the envelope.
func getEnvelope(t *testing.T, url string) (int, envelope) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer closeBody(resp)

	var env envelope
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

// waitForInitialCheck blocks until the check started by app.New has
// finished, successfully or not.
func waitForInitialCheck(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, env := getEnvelope(t, baseURL+"/api/status")
		if code == http.StatusOK && !env.Status.APILastCheck.IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("initial catalog check did not complete")
}

// closeBody is a helper to close response body in defer statements.
func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func e2eModel(id, name string, contextLength int64) catalog.Model {
	return catalog.Model{
		ID:            id,
		Name:          name,
		Description:   "End to end fixture.",
		ContextLength: contextLength,
		Pricing: &catalog.Pricing{
			Prompt:     "0.000001",
			Completion: "0.000002",
			Request:    "0",
			Image:      "0",
		},
	}
}
