package catalog

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"modelwatch/internal/httpclient"
)

const (
	modelsPath = "/api/v1/models"

	// maxBodySize caps both the wire body and the decoded body.
	maxBodySize = 10 * 1024 * 1024 // 10 MB
)

// ClientConfig configures the upstream catalog client.
type ClientConfig struct {
	// BaseURL is the API origin, e.g. "https://openrouter.ai".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client fetches the model list from the upstream catalog API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a catalog client for the given API origin.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.NewDefaultHTTPClient()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}
}

// FetchModels retrieves the current model list. The response body is
// decoded according to its Content-Encoding, validated as JSON, and the
// "data" array of the API envelope is unmarshalled into Model records.
// An empty model list is reported as an error so a bad upstream response
// is never mistaken for a mass removal.
func (c *Client) FetchModels(ctx context.Context) ([]Model, error) {
	url := c.baseURL + modelsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	limited := io.LimitReader(resp.Body, maxBodySize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(raw) > maxBodySize {
		return nil, fmt.Errorf("response body too large (exceeds %d bytes)", maxBodySize)
	}

	body, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}

	models, err := parseModels(body)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("model list response contained no models")
	}
	return models, nil
}

// decodeBody decompresses the response body according to its encoding.
// Transparent gzip handling is off because Accept-Encoding is set
// explicitly, so all three encodings arrive raw.
func decodeBody(body []byte, contentEncoding string) ([]byte, error) {
	// Parse encoding (handle "gzip, deflate" - take first)
	encoding := strings.TrimSpace(strings.Split(contentEncoding, ",")[0])
	encoding = strings.ToLower(encoding)

	if encoding == "" || encoding == "identity" {
		return body, nil
	}

	var reader io.ReadCloser
	var err error

	switch encoding {
	case "gzip":
		reader, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		reader = flate.NewReader(bytes.NewReader(body))
	case "br":
		reader = io.NopCloser(brotli.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", encoding, err)
	}
	defer reader.Close()

	decoded, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", encoding, err)
	}
	return decoded, nil
}

// parseModels pulls the "data" array out of the API envelope.
func parseModels(body []byte) ([]Model, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("model list response is not valid JSON")
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() || !data.IsArray() {
		return nil, fmt.Errorf("model list response has no data array")
	}

	var models []Model
	if err := json.Unmarshal([]byte(data.Raw), &models); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	return models, nil
}
