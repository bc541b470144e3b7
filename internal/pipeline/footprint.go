package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FootprintClient calls the external footprint service, which resolves an
// address list into building-footprint polygon files.
type FootprintClient struct {
	endpoint string
	http     *http.Client
}

// NewFootprintClient creates a client for the footprint service.
func NewFootprintClient(endpoint string) *FootprintClient {
	return &FootprintClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve submits one source for polygon synthesis and returns the result
// locations under the output prefix.
func (c *FootprintClient) Resolve(ctx context.Context, source, outputPrefix string) ([]string, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("footprint endpoint not configured")
	}

	body, err := json.Marshal(map[string]string{
		"source":        source,
		"output_prefix": outputPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal footprint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build footprint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post footprint request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read footprint response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("footprint service returned %d", resp.StatusCode)
	}

	var out struct {
		Results []string `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode footprint response: %w", err)
	}
	return out.Results, nil
}
