package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPConfig configures the HTTP retrieval client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	TopK    int
}

// HTTPProvider calls an external retrieval service over HTTP.
type HTTPProvider struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPProvider creates a client for an external retrieval service.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type retrieveResponse struct {
	Documents []Document `json:"documents"`
}

// Retrieve posts the query and returns ranked documents.
func (p *HTTPProvider) Retrieve(ctx context.Context, query string) ([]Document, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(retrieveRequest{Query: query, TopK: p.cfg.TopK}); err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/retrieve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service: %s", resp.Status)
	}

	var decoded retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return decoded.Documents, nil
}

// Verify interface compliance.
var _ Provider = (*HTTPProvider)(nil)
