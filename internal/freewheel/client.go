package freewheel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// Request timeouts per Buzz endpoint.
const (
	authTimeout   = 10 * time.Second
	uploadTimeout = 30 * time.Second
)

// Client talks to the Buzz REST API. Authentication is session-based; the
// cookie jar carries the session across calls.
type Client struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
}

// NewClient creates a Buzz client.
func NewClient(baseURL, email, password string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		email:    email,
		password: password,
		http:     &http.Client{Jar: jar},
	}
}

// Authenticate opens a Buzz session.
func (c *Client) Authenticate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, err := c.post(ctx, "/rest/authenticate", map[string]any{
		"email":          c.email,
		"password":       c.password,
		"keep_logged_in": true,
	})
	if err != nil {
		return fmt.Errorf("buzz authenticate: %w", err)
	}
	return nil
}

// UploadRequest registers one segment file with Buzz.
type UploadRequest struct {
	SegmentFileList []string `json:"segment_file_list"`
	AccountID       int64    `json:"account_id"`
	UserIDType      string   `json:"user_id_type"`
	FileFormat      string   `json:"file_format"`
	SegmentKeyType  string   `json:"segment_key_type"`
	OperationType   string   `json:"operation_type,omitempty"`
	Continent       string   `json:"continent,omitempty"`
}

// SegmentUpload submits the segment file for ingestion and returns the raw
// Buzz response.
func (c *Client) SegmentUpload(ctx context.Context, req UploadRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	body, err := c.post(ctx, "/rest/segment_upload", req)
	if err != nil {
		return nil, fmt.Errorf("buzz segment_upload: %w", err)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return json.RawMessage(data), nil
}
