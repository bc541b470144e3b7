// Package metaads uploads audience device IDs to Meta Custom Audiences via
// the Graph API REPLACE session protocol.
package metaads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SchemaMAID is the REPLACE payload schema for mobile advertiser IDs.
const SchemaMAID = "MOBILE_ADVERTISER_ID"

// Operation-status codes that mean an earlier REPLACE session is still open.
const (
	StatusUpdating         = 300
	StatusReplaceInProcess = 414
)

// Busy-error discrimination: Meta rejects a new session while the audience is
// mid-update with this (code, subcode) pair.
const (
	busyCode       = 2650
	busySubcodeA   = 1870145
	busySubcodeB   = 1870158
)

// APIError is a Graph API error envelope.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("meta api error %d/%d: %s", e.Code, e.Subcode, e.Message)
}

// Busy reports whether the error is the audience-busy rejection, which is
// handled with a delay and retry rather than a failure.
func (e *APIError) Busy() bool {
	return e.Code == busyCode && (e.Subcode == busySubcodeA || e.Subcode == busySubcodeB)
}

// IsBusy reports whether err wraps the audience-busy rejection.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Busy()
}

// OperationStatus is the audience's current update state.
type OperationStatus struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// Updating reports whether an earlier REPLACE session is still open.
func (s *OperationStatus) Updating() bool {
	return s != nil && (s.Code == StatusUpdating || s.Code == StatusReplaceInProcess)
}

// CustomAudience is the subset of audience fields the uploader reconciles.
type CustomAudience struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	OperationStatus *OperationStatus `json:"operation_status,omitempty"`
}

// Session is one REPLACE upload session reported by the sessions edge.
type Session struct {
	SessionID   int64  `json:"session_id"`
	Stage       string `json:"stage"`
	NumReceived int64  `json:"num_received"`
}

// ReplaceSession is the session envelope sent with every REPLACE page.
type ReplaceSession struct {
	SessionID         int64 `json:"session_id"`
	EstimatedNumTotal int64 `json:"estimated_num_total"`
	BatchSeq          int   `json:"batch_seq"`
	LastBatchFlag     bool  `json:"last_batch_flag"`
}

// ReplacePayload carries one page of device IDs.
type ReplacePayload struct {
	Schema string   `json:"schema"`
	Data   []string `json:"data"`
}

// Client is a minimal Graph API client scoped to Custom Audience management.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Graph API client. baseURL includes the API version,
// e.g. https://graph.facebook.com/v19.0
func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   accessToken,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// GetAudience fetches an audience's name, description, and operation status.
func (c *Client) GetAudience(ctx context.Context, id string) (*CustomAudience, error) {
	q := url.Values{}
	q.Set("fields", "name,description,operation_status")
	q.Set("access_token", c.token)

	var out CustomAudience
	if err := c.get(ctx, "/"+id+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAudience creates a customer-file Custom Audience and returns its ID.
func (c *Client) CreateAudience(ctx context.Context, adAccountID, name, description string) (string, error) {
	form := url.Values{}
	form.Set("name", name)
	form.Set("description", description)
	form.Set("subtype", "CUSTOM")
	form.Set("customer_file_source", "USER_PROVIDED_ONLY")
	form.Set("access_token", c.token)

	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/act_"+adAccountID+"/customaudiences", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateAudience reconciles the audience's name and description.
func (c *Client) UpdateAudience(ctx context.Context, id, name, description string) error {
	form := url.Values{}
	form.Set("name", name)
	form.Set("description", description)
	form.Set("access_token", c.token)
	return c.post(ctx, "/"+id, form, nil)
}

// Sessions lists the audience's upload sessions.
func (c *Client) Sessions(ctx context.Context, id string) ([]Session, error) {
	q := url.Values{}
	q.Set("access_token", c.token)

	var out struct {
		Data []Session `json:"data"`
	}
	if err := c.get(ctx, "/"+id+"/sessions?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Replace posts one REPLACE page to the audience's users_replace edge.
func (c *Client) Replace(ctx context.Context, id string, payload ReplacePayload, session ReplaceSession) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal replace payload: %w", err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal replace session: %w", err)
	}

	form := url.Values{}
	form.Set("payload", string(payloadJSON))
	form.Set("session", string(sessionJSON))
	form.Set("access_token", c.token)
	return c.post(ctx, "/"+id+"/usersreplace", form, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call graph api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
			return envelope.Error
		}
		return fmt.Errorf("graph api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}
