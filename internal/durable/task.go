package durable

import (
	"encoding/json"
	"fmt"
	"time"
)

type taskKind string

const (
	taskActivity taskKind = "activity"
	taskTimer    taskKind = "timer"
	taskEvent    taskKind = "event"
	taskSub      taskKind = "sub"
)

// Task is a pending runtime call. Tasks are created in deterministic order;
// each consumes one sequence number of the orchestration's call sequence.
type Task struct {
	ctx    *Context
	seq    int64
	kind   taskKind
	name   string
	fireAt time.Time // timers only

	done     chan struct{}
	ev       *Event // set under the instance lock when the result arrives
	canceled bool
	awaited  bool
}

// Await blocks until the task completes, decodes its payload into out (when
// out is non-nil), and advances the orchestration's frozen clock to the
// recorded completion time.
func (t *Task) Await(out any) error {
	ev, err := t.wait()
	if err != nil {
		return err
	}
	return t.ctx.consume(ev, out)
}

// wait blocks until the task has a recorded event.
func (t *Task) wait() (*Event, error) {
	if t.canceled {
		return nil, fmt.Errorf("await canceled task %d", t.seq)
	}

	inst := t.ctx.inst
	inst.mu.Lock()
	ev := t.ev
	inst.mu.Unlock()
	if ev != nil {
		return ev, nil
	}

	select {
	case <-t.done:
	case <-inst.terminate:
		panic(terminationSignal{reason: inst.terminateReason})
	case <-t.ctx.rt.baseCtx.Done():
		panic(shutdownSignal{})
	}

	inst.mu.Lock()
	ev = t.ev
	inst.mu.Unlock()
	if ev == nil {
		return nil, fmt.Errorf("task %d signalled without event", t.seq)
	}
	return ev, nil
}

// Result decodes the payload of an already-resolved task (a TaskAny winner)
// without advancing the orchestration clock again.
func (t *Task) Result(out any) error {
	ev := t.resolvedEvent()
	if ev == nil {
		return fmt.Errorf("task %d has no result yet", t.seq)
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

// resolved reports the task's event, if any, under the instance lock.
func (t *Task) resolvedEvent() *Event {
	t.ctx.inst.mu.Lock()
	defer t.ctx.inst.mu.Unlock()
	return t.ev
}

// outcome converts a completion event into a payload or error.
func eventOutcome(ev *Event) (json.RawMessage, error) {
	switch ev.Kind {
	case KindActivityFailed:
		return nil, &ActivityError{Name: ev.Name, Reason: ev.Error}
	case KindSubFailed:
		return nil, &OrchestratorError{Name: ev.Name, Reason: ev.Error}
	default:
		return ev.Payload, nil
	}
}
