// Package onspot integrates the external device-resolution service: request
// formatting, job submission, and the callback rendezvous that resumes the
// orchestration when results are ready.
package onspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Job is one submitted resolution job. Location is the az:// URL of the
// eventual result blob.
type Job struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

// SubmitResponse is the service's response to a job submission.
type SubmitResponse struct {
	Jobs []Job `json:"jobs"`
}

// Client is the OnSpot HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an OnSpot client for the given API base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts a formatted request to the given endpoint path and returns the
// accepted jobs.
func (c *Client) Submit(ctx context.Context, path string, body []byte) (*SubmitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build onspot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read onspot response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("onspot %s returned %d: %s", path, resp.StatusCode, truncate(data, 512))
	}

	var out SubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode onspot response: %w", err)
	}
	return &out, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	return string(data)
}
