//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"modelwatch/internal/catalog"
)

func TestCatalogLifecycle_E2E(t *testing.T) {
	mock := NewMockCatalogServer([]catalog.Model{
		e2eModel("alpha/one", "Alpha One", 8192),
		e2eModel("beta/two", "Beta Two", 4096),
	})
	application, baseURL := startApp(t, mock, "")
	waitForInitialCheck(t, baseURL)

	code, env := getEnvelope(t, baseURL+"/api/models")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Status.Valid)
	require.True(t, env.Status.APILastCheckOK)

	var models []catalog.Model
	require.NoError(t, json.Unmarshal(env.Data, &models))
	require.Len(t, models, 2)

	// Second poll: one rename, one addition, one removal.
	mock.SetModels([]catalog.Model{
		e2eModel("alpha/one", "Alpha One Turbo", 8192),
		e2eModel("gamma/three", "Gamma Three", 16384),
	})
	application.Watcher().Check(context.Background())

	code, env = getEnvelope(t, baseURL+"/api/changes")
	require.Equal(t, http.StatusOK, code)
	var changes []catalog.Change
	require.NoError(t, json.Unmarshal(env.Data, &changes))
	require.Len(t, changes, 3)

	kinds := map[catalog.ChangeType]int{}
	for _, ch := range changes {
		kinds[ch.Type]++
	}
	require.Equal(t, 1, kinds[catalog.ChangeAdded])
	require.Equal(t, 1, kinds[catalog.ChangeChanged])
	require.Equal(t, 1, kinds[catalog.ChangeRemoved])

	code, env = getEnvelope(t, baseURL+"/api/removed")
	require.Equal(t, http.StatusOK, code)
	var removed []catalog.Change
	require.NoError(t, json.Unmarshal(env.Data, &removed))
	require.Len(t, removed, 1)
	require.Equal(t, "beta/two", removed[0].ID)

	code, env = getEnvelope(t, baseURL+"/api/model?id="+url.QueryEscape("alpha/one"))
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		Model   catalog.Model    `json:"model"`
		Changes []catalog.Change `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Equal(t, "Alpha One Turbo", detail.Model.Name)
	require.Len(t, detail.Changes, 1)
	require.Equal(t, catalog.ChangeChanged, detail.Changes[0].Type)

	code, env = getEnvelope(t, baseURL+"/api/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 2, env.Status.DBModelCount)
	require.Equal(t, 3, env.Status.DBChangeCount)
	require.Equal(t, 1, env.Status.DBRemovedCount)

	require.Equal(t, 2, mock.RequestCount())
}

func TestChangeFeed_E2E(t *testing.T) {
	mock := NewMockCatalogServer([]catalog.Model{e2eModel("alpha/one", "Alpha One", 8192)})
	application, baseURL := startApp(t, mock, "")
	waitForInitialCheck(t, baseURL)

	mock.SetModels([]catalog.Model{
		e2eModel("alpha/one", "Alpha One", 8192),
		e2eModel("gamma/three", "Gamma Three", 16384),
	})
	application.Watcher().Check(context.Background())

	resp, err := http.Get(baseURL + "/rss")
	require.NoError(t, err)
	defer closeBody(resp)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/rss+xml")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	feed := string(body)
	require.True(t, strings.HasPrefix(strings.TrimSpace(feed), "<?xml"))
	require.Contains(t, feed, "Gamma Three")
	require.Contains(t, feed, "gamma/three")
}

func TestUpstreamFailureKeepsServing_E2E(t *testing.T) {
	mock := NewMockCatalogServer([]catalog.Model{
		e2eModel("alpha/one", "Alpha One", 8192),
		e2eModel("beta/two", "Beta Two", 4096),
	})
	application, baseURL := startApp(t, mock, "")
	waitForInitialCheck(t, baseURL)

	mock.FailWith(http.StatusInternalServerError)
	application.Watcher().Check(context.Background())

	code, env := getEnvelope(t, baseURL+"/api/models")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Status.Valid)
	require.False(t, env.Status.APILastCheckOK)

	var models []catalog.Model
	require.NoError(t, json.Unmarshal(env.Data, &models))
	require.Len(t, models, 2)
}

func TestUpstreamRequestShape_E2E(t *testing.T) {
	mock := NewMockCatalogServer([]catalog.Model{e2eModel("alpha/one", "Alpha One", 8192)})
	mock.SetGzip(true)
	_, baseURL := startApp(t, mock, "secret-token")
	waitForInitialCheck(t, baseURL)

	req := mock.LastRequest()
	require.NotNil(t, req)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/api/v1/models", req.Path)
	require.Equal(t, "Bearer secret-token", req.Headers.Get("Authorization"))
	require.Contains(t, req.Headers.Get("Accept-Encoding"), "gzip")

	// The gzip encoded body decoded cleanly into a served catalog.
	code, env := getEnvelope(t, baseURL+"/api/models")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Status.Valid)

	var models []catalog.Model
	require.NoError(t, json.Unmarshal(env.Data, &models))
	require.Len(t, models, 1)
	require.Equal(t, "alpha/one", models[0].ID)
}
