package durable

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// OrchestratorFunc is orchestration code: a deterministic function whose only
// interaction with the outside world goes through the Context.
type OrchestratorFunc func(ctx *Context, input json.RawMessage) (any, error)

// Context is the orchestration-facing runtime API. Every method that creates
// a Task is a suspension point and consumes one sequence number; on replay
// the recorded result is returned without re-executing the side effect.
type Context struct {
	rt   *Runtime
	inst *instance

	nextSeq        int64
	uuidCounter    int
	currentTime    time.Time
	replayBoundary int
	consumed       int
	continueInput  json.RawMessage
	log            *slog.Logger
}

func newContext(rt *Runtime, inst *instance) *Context {
	return &Context{
		rt:             rt,
		inst:           inst,
		currentTime:    inst.hist.StartedAt,
		replayBoundary: len(inst.hist.Events),
		log:            slog.With("instance_id", inst.id, "orchestrator", inst.orchestrator),
	}
}

// InstanceID returns the orchestration instance ID.
func (c *Context) InstanceID() string { return c.inst.id }

// CurrentUTC returns the frozen "now": the timestamp of the last consumed
// history event. Orchestrations must never read the wall clock directly.
func (c *Context) CurrentUTC() time.Time { return c.currentTime }

// IsReplaying reports whether execution is still consuming recorded history.
func (c *Context) IsReplaying() bool { return c.consumed < c.replayBoundary }

// Logger returns a logger carrying the instance context.
func (c *Context) Logger() *slog.Logger { return c.log }

// NewUUID returns a UUID that is deterministic per call site within a replay:
// it hashes the instance ID, generation, and a per-execution counter.
func (c *Context) NewUUID() string {
	name := fmt.Sprintf("%s/%d/%d", c.inst.id, c.inst.hist.Generation, c.uuidCounter)
	c.uuidCounter++
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// SetCustomStatus publishes opaque observable state for external monitors.
func (c *Context) SetCustomStatus(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("marshal custom status: %w", err))
	}
	c.rt.setCustomStatus(c.inst, raw)
}

// ContinueAsNew truncates the history and restarts the orchestration with
// fresh input. It does not return.
func (c *Context) ContinueAsNew(input any) {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("marshal continue-as-new input: %w", err))
	}
	c.continueInput = raw
	panic(continueAsNewSignal{})
}

// consume applies a completion event: advances the frozen clock and decodes
// the payload or error.
func (c *Context) consume(ev *Event, out any) error {
	c.consumed++
	if !ev.Timestamp.IsZero() {
		c.currentTime = ev.Timestamp.UTC()
	}

	payload, err := eventOutcome(ev)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode result of %s %q: %w", ev.Kind, ev.Name, err)
	}
	return nil
}

// newTask assigns the next sequence number and resolves it against history.
func (c *Context) newTask(kind taskKind, name string) (*Task, *Event) {
	seq := c.nextSeq
	c.nextSeq++

	t := &Task{
		ctx:  c,
		seq:  seq,
		kind: kind,
		name: name,
		done: make(chan struct{}),
	}

	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()

	if ev, ok := c.inst.completed[seq]; ok {
		if !kindMatches(kind, ev.Kind) || (ev.Name != "" && name != "" && ev.Name != name) {
			panic(&nonDeterminismError{
				seq:      seq,
				expected: fmt.Sprintf("%s %q", ev.Kind, ev.Name),
				got:      fmt.Sprintf("%s %q", kind, name),
			})
		}
		t.ev = ev
		return t, ev
	}

	c.inst.pending[seq] = t
	return t, nil
}

func kindMatches(k taskKind, ek EventKind) bool {
	switch k {
	case taskActivity:
		return ek == KindActivityCompleted || ek == KindActivityFailed
	case taskTimer:
		return ek == KindTimerFired
	case taskEvent:
		return ek == KindExternalEvent
	case taskSub:
		return ek == KindSubCompleted || ek == KindSubFailed
	}
	return false
}

// StartActivity schedules an activity with the default retry policy and
// returns its pending task.
func (c *Context) StartActivity(name string, input any) *Task {
	return c.StartActivityWithRetry(name, DefaultRetry, input)
}

// StartActivityWithRetry schedules an activity with an explicit retry policy.
func (c *Context) StartActivityWithRetry(name string, opts RetryOptions, input any) *Task {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("marshal input for activity %q: %w", name, err))
	}

	t, recorded := c.newTask(taskActivity, name)
	if recorded == nil {
		c.rt.dispatchActivity(c.inst, t.seq, name, raw, opts)
	}
	return t
}

// CallActivity schedules an activity and awaits its result.
func (c *Context) CallActivity(name string, input, out any) error {
	return c.StartActivity(name, input).Await(out)
}

// CallActivityWithRetry schedules an activity with a retry policy and awaits
// its result.
func (c *Context) CallActivityWithRetry(name string, opts RetryOptions, input, out any) error {
	return c.StartActivityWithRetry(name, opts, input).Await(out)
}

// StartSubOrchestrator schedules a nested orchestration. An empty instanceID
// derives a stable child ID from the parent and call position.
func (c *Context) StartSubOrchestrator(name, instanceID string, input any) *Task {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("marshal input for orchestrator %q: %w", name, err))
	}

	t, recorded := c.newTask(taskSub, name)
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s:%d:%d", c.inst.id, c.inst.hist.Generation, t.seq)
	}
	if recorded == nil {
		c.rt.startSubOrchestration(c.inst, t.seq, name, instanceID, raw)
	}
	return t
}

// CallSubOrchestrator schedules a nested orchestration and awaits its result.
func (c *Context) CallSubOrchestrator(name, instanceID string, input, out any) error {
	return c.StartSubOrchestrator(name, instanceID, input).Await(out)
}

// CreateTimer schedules a durable timer that fires at or after the given
// absolute UTC instant.
func (c *Context) CreateTimer(at time.Time) *Task {
	t, recorded := c.newTask(taskTimer, "timer")
	t.fireAt = at.UTC()
	if recorded == nil {
		c.rt.armTimer(c.inst, t)
	}
	return t
}

// WaitForExternalEvent returns a task that completes when a matching event is
// raised on this instance. Events raised before the wait are buffered.
func (c *Context) WaitForExternalEvent(name string) *Task {
	t, recorded := c.newTask(taskEvent, name)
	if recorded == nil {
		c.rt.subscribeEvent(c.inst, t)
	}
	return t
}

// TaskAll awaits every task in input order and fails on the first error in
// that order. Already-started activities run to completion regardless.
func (c *Context) TaskAll(tasks []*Task) error {
	for _, t := range tasks {
		if err := t.Await(nil); err != nil {
			return err
		}
	}
	return nil
}

// TaskAllResults awaits every task, decoding each payload with decode.
func TaskAllResults[T any](tasks []*Task) ([]T, error) {
	out := make([]T, len(tasks))
	for i, t := range tasks {
		if err := t.Await(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TaskAny awaits the first task to complete; the winner is the task whose
// completion was recorded earliest, which keeps replays stable. Losing timers
// are cancelled.
func (c *Context) TaskAny(tasks []*Task) (*Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("TaskAny with no tasks")
	}

	inst := c.inst
	for {
		inst.mu.Lock()
		var winner *Task
		for _, t := range tasks {
			if t.ev == nil {
				continue
			}
			if winner == nil || t.ev.Index < winner.ev.Index {
				winner = t
			}
		}
		notify := inst.anyCh
		inst.mu.Unlock()

		if winner != nil {
			for _, t := range tasks {
				if t != winner && t.kind == taskTimer {
					c.rt.cancelTimer(inst, t)
				}
			}
			ev := winner.resolvedEvent()
			c.consumed++
			if !ev.Timestamp.IsZero() {
				c.currentTime = ev.Timestamp.UTC()
			}
			return winner, nil
		}

		select {
		case <-notify:
		case <-inst.terminate:
			panic(terminationSignal{reason: inst.terminateReason})
		case <-c.rt.baseCtx.Done():
			panic(shutdownSignal{})
		}
	}
}
