package onspot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
)

// Activity names.
const (
	ActivityFormat = "onspot.format"
	ActivitySubmit = "onspot.submit"
)

// Callback is the payload OnSpot posts back per feature.
type Callback struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// JobResult is the coordinator's output: the accepted jobs plus the callbacks
// received for them.
type JobResult struct {
	Jobs      []Job      `json:"jobs"`
	Callbacks []Callback `json:"callbacks"`
}

// formatOutput carries the formatted request. Oversized bodies are persisted
// to a blob and passed by key instead of inline.
type formatOutput struct {
	Events     []string        `json:"events"`
	Request    json.RawMessage `json:"request,omitempty"`
	RequestKey string          `json:"request_key,omitempty"`
}

type submitInput struct {
	Endpoint   string          `json:"endpoint"`
	Request    json.RawMessage `json:"request,omitempty"`
	RequestKey string          `json:"request_key,omitempty"`
}

// Coordinator owns the OnSpot activities and the orchestration-side
// rendezvous logic.
type Coordinator struct {
	Store          blobstore.Store
	Client         *Client
	Container      string
	CallbackBase   string
	MaxInlineBytes int

	log *slog.Logger
}

// NewCoordinator wires the OnSpot coordinator.
func NewCoordinator(store blobstore.Store, client *Client, container, callbackBase string, maxInlineBytes int) *Coordinator {
	if maxInlineBytes <= 0 {
		maxInlineBytes = 256 * 1024
	}
	return &Coordinator{
		Store:          store,
		Client:         client,
		Container:      container,
		CallbackBase:   strings.TrimSuffix(callbackBase, "/"),
		MaxInlineBytes: maxInlineBytes,
		log:            logging.Component("onspot"),
	}
}

// Register registers the OnSpot activities on the runtime.
func (c *Coordinator) Register(rt *durable.Runtime) {
	rt.RegisterActivity(ActivityFormat, c.formatActivity)
	rt.RegisterActivity(ActivitySubmit, c.submitActivity)
}

// formatActivity builds the request body for a job, injecting per-feature
// names, output file names, and callback URLs.
func (c *Coordinator) formatActivity(ctx context.Context, input json.RawMessage) (any, error) {
	var in JobInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode job input: %w", err)
	}

	var source []byte
	if in.Mode == ModeFeatures {
		key := blobstore.ParseLocation(c.Container, in.Source)
		data, err := c.Store.ReadAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", in.Source, err)
		}
		source = data
	}

	body, events, err := BuildRequest(in, source, c.CallbackBase, uuid.NewString)
	if err != nil {
		return nil, err
	}

	out := formatOutput{Events: events}
	if len(body) > c.MaxInlineBytes {
		key := fmt.Sprintf("%srequest-%s.json", in.OutputPrefix, uuid.NewString())
		if err := c.Store.Write(ctx, key, body); err != nil {
			return nil, fmt.Errorf("persist oversized request: %w", err)
		}
		c.log.Info("Persisted oversized request to blob", "key", key, "bytes", len(body))
		out.RequestKey = key
	} else {
		out.Request = body
	}
	return out, nil
}

// submitActivity posts the formatted request and returns the accepted jobs.
func (c *Coordinator) submitActivity(ctx context.Context, input json.RawMessage) (any, error) {
	var in submitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode submit input: %w", err)
	}

	body := []byte(in.Request)
	if in.RequestKey != "" {
		data, err := c.Store.ReadAll(ctx, in.RequestKey)
		if err != nil {
			return nil, fmt.Errorf("read persisted request %s: %w", in.RequestKey, err)
		}
		body = data
	}

	resp, err := c.Client.Submit(ctx, in.Endpoint, body)
	if err != nil {
		return nil, err
	}
	c.log.Info("Submitted resolution request", "endpoint", in.Endpoint, "jobs", len(resp.Jobs))
	return resp, nil
}

// RunJob is orchestration code: format the request, submit it, wait for one
// callback per feature, and return the https result locations in callback
// order. Any success=false callback is fatal.
func RunJob(ctx *durable.Context, in JobInput) ([]string, error) {
	in.Instance = ctx.InstanceID()

	var formatted formatOutput
	if err := ctx.CallActivityWithRetry(ActivityFormat, durable.ReadRetry, in, &formatted); err != nil {
		return nil, err
	}

	var resp SubmitResponse
	submit := submitInput{Endpoint: in.Endpoint, Request: formatted.Request, RequestKey: formatted.RequestKey}
	if err := ctx.CallActivityWithRetry(ActivitySubmit, durable.NetworkRetry, submit, &resp); err != nil {
		return nil, err
	}

	tasks := make([]*durable.Task, len(formatted.Events))
	for i, name := range formatted.Events {
		tasks[i] = ctx.WaitForExternalEvent(name)
	}

	callbacks := make([]Callback, len(tasks))
	for i, t := range tasks {
		if err := t.Await(&callbacks[i]); err != nil {
			return nil, err
		}
	}

	locationByID := make(map[string]string, len(resp.Jobs))
	for _, job := range resp.Jobs {
		locationByID[job.ID] = job.Location
	}

	var (
		results []string
		failed  []string
	)
	for _, cb := range callbacks {
		if !cb.Success {
			failed = append(failed, fmt.Sprintf("%s: %s", cb.ID, cb.Message))
			continue
		}
		if loc, ok := locationByID[cb.ID]; ok {
			results = append(results, blobstore.HTTPSLocation(loc))
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("onspot jobs failed: %s", strings.Join(failed, "; "))
	}
	return results, nil
}
