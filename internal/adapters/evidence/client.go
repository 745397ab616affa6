// Package evidence is the HTTP client of the visual-similarity service used
// by the logo step.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"brandwatch/internal/adapters/httpx"
	"brandwatch/internal/ports"
)

type Client struct {
	baseURL string
	http    *http.Client
}

var _ ports.Evidence = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpx.NewClient(timeout)}
}

type analyzeRequest struct {
	URL string `json:"url"`
}

type analyzeResponse struct {
	Confidence float64 `json:"confidence"`
}

// Analyze asks the service how closely the page at url imitates the brand's
// visual identity. The result is clamped to [0, 1].
func (c *Client) Analyze(ctx context.Context, url string) (float64, error) {
	body, err := json.Marshal(analyzeRequest{URL: url})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpx.Do(c.http, req, "evidence analyze")
	if err != nil {
		return 0, err
	}
	defer httpx.Drain(resp)

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("evidence analyze: decode response: %w", err)
	}
	return min(max(out.Confidence, 0), 1), nil
}
