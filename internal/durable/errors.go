package durable

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by StartNew when the instance is running.
var ErrAlreadyRunning = errors.New("orchestration instance already running")

// ErrNotRunning is returned when an operation requires a running instance.
var ErrNotRunning = errors.New("orchestration instance not running")

// ActivityError reports an activity that failed after exhausting retries.
type ActivityError struct {
	Name   string
	Reason string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("Activity function '%s' failed: %s", e.Name, e.Reason)
}

// OrchestratorError reports a sub-orchestration failure. The message format
// is load-bearing: failure emails parse the chain of failing orchestrator
// names out of it.
type OrchestratorError struct {
	Name   string
	Reason string
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("Orchestrator function '%s' failed: %s", e.Name, e.Reason)
}

// nonDeterminismError aborts an execution whose call sequence diverged from
// the recorded history.
type nonDeterminismError struct {
	seq      int64
	expected string
	got      string
}

func (e *nonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic orchestration: seq %d recorded %s, code produced %s",
		e.seq, e.expected, e.got)
}

// terminationSignal unwinds an orchestrator goroutine whose instance was
// terminated externally.
type terminationSignal struct{ reason string }

// continueAsNewSignal unwinds the orchestrator after ContinueAsNew.
type continueAsNewSignal struct{}
