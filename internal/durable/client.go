package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/esquire-media/audience-engine/internal/metrics"
)

// StartNew creates and starts a new orchestration instance. It fails with
// ErrAlreadyRunning when an instance with the same ID is still running.
func (rt *Runtime) StartNew(ctx context.Context, orchestrator, instanceID string, input any) error {
	if _, ok := rt.orchestrators[orchestrator]; !ok {
		return fmt.Errorf("unknown orchestrator %q", orchestrator)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal orchestration input: %w", err)
	}

	rt.mu.Lock()
	if _, running := rt.instances[instanceID]; running {
		rt.mu.Unlock()
		return ErrAlreadyRunning
	}
	if h, err := rt.store.Load(ctx, instanceID); err == nil && h.Runtime == StatusRunning {
		rt.mu.Unlock()
		return ErrAlreadyRunning
	}

	now := time.Now().UTC()
	h := &History{
		InstanceID:   instanceID,
		Orchestrator: orchestrator,
		Input:        raw,
		StartedAt:    now,
		Runtime:      StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	inst := newInstance(h)
	rt.instances[instanceID] = inst
	rt.mu.Unlock()

	inst.mu.Lock()
	rt.persistLocked(inst)
	inst.mu.Unlock()

	rt.log.Info("Started orchestration", "instance_id", instanceID, "orchestrator", orchestrator)
	rt.execInstance(inst)
	return nil
}

// RaiseEvent delivers an external event to a running instance. If no waiter
// is attached yet the event is buffered until one subscribes; buffered events
// survive restarts and continue-as-new.
func (rt *Runtime) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.IncExternalEventsRaised(name)
	}

	rt.mu.RLock()
	inst, ok := rt.instances[instanceID]
	rt.mu.RUnlock()

	if !ok {
		// Not in memory: buffer directly in the store so an instance resumed
		// later still sees the event.
		h, err := rt.store.Load(ctx, instanceID)
		if err != nil {
			return err
		}
		if h.Runtime != StatusRunning {
			return ErrNotRunning
		}
		h.Buffered = append(h.Buffered, BufferedEvent{Name: name, Payload: raw, RaisedAt: time.Now().UTC()})
		h.UpdatedAt = time.Now().UTC()
		return rt.store.Save(ctx, h)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.hist.Runtime != StatusRunning {
		return ErrNotRunning
	}

	if queue := inst.waiters[name]; len(queue) > 0 {
		t := queue[0]
		inst.waiters[name] = queue[1:]
		rt.appendEventLocked(inst, &Event{
			Seq:     t.seq,
			Kind:    KindExternalEvent,
			Name:    name,
			Payload: raw,
		})
		return nil
	}

	inst.hist.Buffered = append(inst.hist.Buffered, BufferedEvent{
		Name:     name,
		Payload:  raw,
		RaisedAt: time.Now().UTC(),
	})
	rt.persistLocked(inst)
	return nil
}

// Terminate forcefully stops an instance and, recursively, its
// sub-orchestrations.
func (rt *Runtime) Terminate(ctx context.Context, instanceID, reason string) error {
	children, err := rt.store.ListChildren(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list sub-orchestrations: %w", err)
	}
	for _, child := range children {
		if err := rt.Terminate(ctx, child, reason); err != nil && !errors.Is(err, ErrNoHistory) {
			rt.log.Warn("Failed to terminate sub-orchestration",
				"instance_id", child, "parent_id", instanceID, "error", err)
		}
	}

	rt.mu.RLock()
	inst, ok := rt.instances[instanceID]
	rt.mu.RUnlock()

	if !ok {
		// Not executing here; flip the stored status so it never resumes.
		h, err := rt.store.Load(ctx, instanceID)
		if err != nil {
			return err
		}
		if h.Runtime != StatusRunning {
			return nil
		}
		h.Runtime = StatusTerminated
		h.FailureError = fmt.Sprintf("terminated: %s", reason)
		h.UpdatedAt = time.Now().UTC()
		return rt.store.Save(ctx, h)
	}

	inst.mu.Lock()
	if inst.terminated || inst.hist.Runtime != StatusRunning {
		inst.mu.Unlock()
		return nil
	}
	inst.terminated = true
	inst.terminateReason = reason
	for seq, tm := range inst.timers {
		tm.Stop()
		delete(inst.timers, seq)
	}
	close(inst.terminate)
	inst.mu.Unlock()

	rt.log.Info("Terminating orchestration", "instance_id", instanceID, "reason", reason)
	return nil
}

// Purge deletes the history of a finished instance and, recursively, its
// sub-orchestrations. Running instances cannot be purged.
func (rt *Runtime) Purge(ctx context.Context, instanceID string) error {
	rt.mu.RLock()
	_, running := rt.instances[instanceID]
	rt.mu.RUnlock()
	if running {
		return fmt.Errorf("purge %s: %w", instanceID, ErrAlreadyRunning)
	}

	if h, err := rt.store.Load(ctx, instanceID); err == nil && h.Runtime == StatusRunning {
		return fmt.Errorf("purge %s: %w", instanceID, ErrAlreadyRunning)
	}

	children, err := rt.store.ListChildren(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list sub-orchestrations: %w", err)
	}
	for _, child := range children {
		if err := rt.Purge(ctx, child); err != nil {
			return err
		}
	}

	return rt.store.Delete(ctx, instanceID)
}

// GetStatus returns the externally visible state of an instance.
func (rt *Runtime) GetStatus(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	rt.mu.RLock()
	inst, ok := rt.instances[instanceID]
	rt.mu.RUnlock()

	var h *History
	if ok {
		inst.mu.Lock()
		copied := *inst.hist
		inst.mu.Unlock()
		h = &copied
	} else {
		loaded, err := rt.store.Load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		h = loaded
	}

	return &InstanceStatus{
		InstanceID:   h.InstanceID,
		Orchestrator: h.Orchestrator,
		Runtime:      h.Runtime,
		CustomStatus: h.CustomStatus,
		Output:       h.Output,
		Error:        h.FailureError,
		CreatedAt:    h.CreatedAt,
		UpdatedAt:    h.UpdatedAt,
	}, nil
}

// IsRunning reports whether an instance is currently running.
func (rt *Runtime) IsRunning(ctx context.Context, instanceID string) bool {
	st, err := rt.GetStatus(ctx, instanceID)
	return err == nil && st.Runtime == StatusRunning
}

// WaitForCompletion polls until the instance reaches a terminal status or the
// context expires.
func (rt *Runtime) WaitForCompletion(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := rt.GetStatus(ctx, instanceID)
		if err != nil && !errors.Is(err, ErrNoHistory) {
			return nil, err
		}
		if err == nil && st.Runtime != StatusRunning {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
