package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opsdash/internal/models"
)

// HistoryPath is the data API route serving the telemetry history.
const HistoryPath = "/api/metrics/history"

// HTTPFetcher pulls the telemetry history from the platform data API.
type HTTPFetcher struct {
	BaseURL string
	Token   func() string
	Client  *http.Client
}

// NewHTTPFetcher returns a fetcher with a bounded HTTP client.
func NewHTTPFetcher(baseURL string, token func() string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (f *HTTPFetcher) FetchSamples(ctx context.Context) ([]models.MetricSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+HistoryPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != nil {
		if tok := f.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var samples []models.MetricSample
	if err := json.NewDecoder(resp.Body).Decode(&samples); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return samples, nil
}
