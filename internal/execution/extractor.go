package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const extractTimeout = 60 * time.Second

// HTTPExtractor calls the extraction engine's webhook. The engine fetches the
// source page from object storage itself and stores its output, so only keys
// cross this boundary.
type HTTPExtractor struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPExtractor(endpoint string) *HTTPExtractor {
	return &HTTPExtractor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: extractTimeout},
	}
}

type extractResponse struct {
	ResultKey string `json:"result_key"`
}

func (e *HTTPExtractor) ExtractPage(ctx context.Context, req ExtractRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal extract request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create extract request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call extraction engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extraction engine returned status %d", resp.StatusCode)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode extract response: %w", err)
	}
	if out.ResultKey == "" {
		return "", fmt.Errorf("extraction engine returned empty result key")
	}
	return out.ResultKey, nil
}
