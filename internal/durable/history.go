// Package durable implements an embedded log-based durable execution runtime:
// orchestrations are plain functions whose runtime calls are recorded in a
// per-instance history and replayed deterministically after restarts.
package durable

import (
	"encoding/json"
	"time"
)

// Status is an instance's runtime status.
type Status string

const (
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
)

// EventKind identifies a history event.
type EventKind string

const (
	KindActivityCompleted EventKind = "activity_completed"
	KindActivityFailed    EventKind = "activity_failed"
	KindTimerFired        EventKind = "timer_fired"
	KindExternalEvent     EventKind = "external_event"
	KindSubCompleted      EventKind = "sub_completed"
	KindSubFailed         EventKind = "sub_failed"
)

// Event is one recorded task completion. Seq ties the event to the task
// created at the same position in the orchestration's deterministic call
// sequence; Index is the arrival position in the log and orders TaskAny
// winners.
type Event struct {
	Seq       int64           `json:"seq"`
	Index     int             `json:"index"`
	Kind      EventKind       `json:"kind"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BufferedEvent is an external event that arrived before any waiter.
type BufferedEvent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// History is the durable record of one orchestration instance.
type History struct {
	InstanceID   string          `json:"instance_id"`
	Orchestrator string          `json:"orchestrator"`
	Generation   int             `json:"generation"`
	Input        json.RawMessage `json:"input,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	Events       []Event         `json:"events"`
	Buffered     []BufferedEvent `json:"buffered,omitempty"`
	CustomStatus json.RawMessage `json:"custom_status,omitempty"`
	Runtime      Status          `json:"runtime_status"`
	Output       json.RawMessage `json:"output,omitempty"`
	FailureError string          `json:"failure_error,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	ParentSeq    int64           `json:"parent_seq,omitempty"`
	ParentGen    int             `json:"parent_gen,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// InstanceStatus is the externally visible state of an instance.
type InstanceStatus struct {
	InstanceID   string          `json:"instance_id"`
	Orchestrator string          `json:"orchestrator"`
	Runtime      Status          `json:"runtime_status"`
	CustomStatus json.RawMessage `json:"custom_status,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
