package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/esquire-media/audience-engine/internal/metrics"
)

// ActivityFunc is activity code: side effects run here, outside the
// deterministic replay boundary.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// shutdownSignal unwinds an orchestrator goroutine during process shutdown.
// The instance stays Running in the store and resumes on the next start.
type shutdownSignal struct{}

// instance is the in-memory state of one running orchestration.
type instance struct {
	id           string
	orchestrator string

	mu        sync.Mutex
	hist      *History
	completed map[int64]*Event      // seq -> recorded completion
	pending   map[int64]*Task       // seq -> task awaiting a result
	waiters   map[string][]*Task    // external event name -> FIFO waiters
	timers    map[int64]*time.Timer // seq -> armed wall-clock timer

	// anyCh is closed and replaced on every history append; TaskAny callers
	// wait on it to re-scan their candidates.
	anyCh chan struct{}

	terminate       chan struct{}
	terminateReason string
	terminated      bool
}

func newInstance(h *History) *instance {
	return &instance{
		id:           h.InstanceID,
		orchestrator: h.Orchestrator,
		hist:         h,
		completed:    make(map[int64]*Event),
		pending:      make(map[int64]*Task),
		waiters:      make(map[string][]*Task),
		timers:       make(map[int64]*time.Timer),
		anyCh:        make(chan struct{}),
		terminate:    make(chan struct{}),
	}
}

// indexEvents rebuilds the seq lookup from the persisted log.
func (inst *instance) indexEvents() {
	for i := range inst.hist.Events {
		ev := &inst.hist.Events[i]
		inst.completed[ev.Seq] = ev
	}
}

type activityInvocation struct {
	inst  *instance
	gen   int
	seq   int64
	name  string
	input json.RawMessage
	retry RetryOptions
}

// Options configures the runtime.
type Options struct {
	// Workers is the activity worker pool size. Zero means 16.
	Workers int

	// QueueSize is the activity queue capacity. Zero means 256.
	QueueSize int
}

// Runtime hosts orchestration instances: it executes orchestrator functions
// on their own goroutines, runs activities on a shared worker pool, and
// persists every completion to the history store before delivering it.
type Runtime struct {
	store HistoryStore
	log   *slog.Logger

	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc

	mu        sync.RWMutex
	instances map[string]*instance

	workQueue chan activityInvocation
	wg        sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// NewRuntime creates a runtime over the given history store.
func NewRuntime(store HistoryStore, opts Options) *Runtime {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		store:         store,
		log:           slog.With("component", "durable"),
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
		instances:     make(map[string]*instance),
		workQueue:     make(chan activityInvocation, opts.QueueSize),
		baseCtx:       ctx,
		cancel:        cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		rt.wg.Add(1)
		go rt.worker(i)
	}

	return rt
}

// RegisterOrchestrator registers an orchestrator function by name.
func (rt *Runtime) RegisterOrchestrator(name string, fn OrchestratorFunc) {
	rt.orchestrators[name] = fn
}

// RegisterActivity registers an activity function by name.
func (rt *Runtime) RegisterActivity(name string, fn ActivityFunc) {
	rt.activities[name] = fn
}

// Start resumes every instance the store reports as running. Call after all
// orchestrators and activities are registered.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = true
	rt.mu.Unlock()

	ids, err := rt.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running instances: %w", err)
	}

	for _, id := range ids {
		if _, err := rt.resume(ctx, id); err != nil {
			rt.log.Error("Failed to resume orchestration", "instance_id", id, "error", err)
			continue
		}
		rt.log.Info("Resumed orchestration", "instance_id", id)
	}

	return nil
}

// Shutdown stops the runtime. Running orchestrations unwind and remain
// Running in the store for the next start.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume loads a history and starts its execution goroutine.
func (rt *Runtime) resume(ctx context.Context, instanceID string) (*instance, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if inst, ok := rt.instances[instanceID]; ok {
		return inst, nil
	}

	h, err := rt.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if h.Runtime != StatusRunning {
		return nil, ErrNotRunning
	}
	if _, ok := rt.orchestrators[h.Orchestrator]; !ok {
		return nil, fmt.Errorf("unknown orchestrator %q", h.Orchestrator)
	}

	inst := newInstance(h)
	inst.indexEvents()
	rt.instances[instanceID] = inst
	rt.execInstance(inst)
	return inst, nil
}

// execInstance runs the orchestrator function on its own goroutine, looping
// across continue-as-new generations until a terminal outcome.
func (rt *Runtime) execInstance(inst *instance) {
	if m := metrics.Get(); m != nil {
		m.OrchestrationsRunning.Inc()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer func() {
			if m := metrics.Get(); m != nil {
				m.OrchestrationsRunning.Dec()
			}
		}()

		for {
			outcome := rt.runOnce(inst)

			switch outcome.kind {
			case outcomeShutdown:
				// Left Running in the store; picked up on next Start.
				rt.unregister(inst)
				return

			case outcomeContinueAsNew:
				rt.resetForNewGeneration(inst, outcome.continueInput)
				if m := metrics.Get(); m != nil {
					m.IncContinueAsNew(inst.orchestrator)
				}
				continue

			case outcomeTerminated:
				rt.finalize(inst, StatusTerminated, nil, outcome.err)
				rt.unregister(inst)
				return

			case outcomeFailed:
				rt.finalize(inst, StatusFailed, nil, outcome.err)
				if m := metrics.Get(); m != nil {
					m.IncOrchestrationsFailed(inst.orchestrator)
				}
				rt.unregister(inst)
				return

			default:
				rt.finalize(inst, StatusCompleted, outcome.output, nil)
				rt.unregister(inst)
				return
			}
		}
	}()
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeTerminated
	outcomeContinueAsNew
	outcomeShutdown
)

type runOutcome struct {
	kind          outcomeKind
	output        json.RawMessage
	err           error
	continueInput json.RawMessage
}

// runOnce executes one full pass of the orchestrator function, replaying any
// recorded history first.
func (rt *Runtime) runOnce(inst *instance) (out runOutcome) {
	fn := rt.orchestrators[inst.orchestrator]
	ctx := newContext(rt, inst)

	if m := metrics.Get(); m != nil {
		m.IncOrchestrationTurns(inst.orchestrator)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case continueAsNewSignal:
			out = runOutcome{kind: outcomeContinueAsNew, continueInput: ctx.continueInput}
		case terminationSignal:
			out = runOutcome{kind: outcomeTerminated, err: fmt.Errorf("terminated: %s", sig.reason)}
		case shutdownSignal:
			out = runOutcome{kind: outcomeShutdown}
		case *nonDeterminismError:
			rt.log.Error("Orchestration diverged from history", "instance_id", inst.id, "error", sig)
			out = runOutcome{kind: outcomeFailed, err: sig}
		default:
			rt.log.Error("Orchestration panicked",
				"instance_id", inst.id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = runOutcome{kind: outcomeFailed, err: fmt.Errorf("orchestration panic: %v", r)}
		}
	}()

	result, err := fn(ctx, inst.hist.Input)
	if err != nil {
		return runOutcome{kind: outcomeFailed, err: err}
	}

	var payload json.RawMessage
	if result != nil {
		payload, err = json.Marshal(result)
		if err != nil {
			return runOutcome{kind: outcomeFailed, err: fmt.Errorf("marshal orchestration output: %w", err)}
		}
	}
	return runOutcome{kind: outcomeCompleted, output: payload}
}

// resetForNewGeneration truncates the history for continue-as-new, keeping
// buffered external events so nothing raised during the old generation is
// lost.
func (rt *Runtime) resetForNewGeneration(inst *instance, input json.RawMessage) {
	inst.mu.Lock()

	for seq, tm := range inst.timers {
		tm.Stop()
		delete(inst.timers, seq)
	}

	inst.hist.Generation++
	inst.hist.Input = input
	inst.hist.Events = nil
	inst.hist.StartedAt = time.Now().UTC()
	inst.hist.UpdatedAt = inst.hist.StartedAt
	inst.completed = make(map[int64]*Event)
	inst.pending = make(map[int64]*Task)
	inst.waiters = make(map[string][]*Task)
	rt.rotateAnyLocked(inst)

	rt.persistLocked(inst)
	inst.mu.Unlock()
}

// finalize records a terminal status and notifies the parent, if any.
func (rt *Runtime) finalize(inst *instance, status Status, output json.RawMessage, failure error) {
	inst.mu.Lock()
	for seq, tm := range inst.timers {
		tm.Stop()
		delete(inst.timers, seq)
	}
	inst.hist.Runtime = status
	inst.hist.Output = output
	if failure != nil {
		inst.hist.FailureError = failure.Error()
	}
	inst.hist.UpdatedAt = time.Now().UTC()
	rt.persistLocked(inst)
	parentID, parentSeq, parentGen := inst.hist.ParentID, inst.hist.ParentSeq, inst.hist.ParentGen
	inst.mu.Unlock()

	rt.log.Info("Orchestration finished",
		"instance_id", inst.id, "orchestrator", inst.orchestrator, "status", status)

	if parentID != "" {
		rt.notifyParent(parentID, parentSeq, parentGen, inst.orchestrator, status, output, inst.hist.FailureError)
	}
}

func (rt *Runtime) unregister(inst *instance) {
	rt.mu.Lock()
	if rt.instances[inst.id] == inst {
		delete(rt.instances, inst.id)
	}
	rt.mu.Unlock()
}

// persistLocked saves the history; the caller holds inst.mu. Persistence
// failures are logged, not fatal: the in-memory execution stays authoritative
// and the next append retries the save.
func (rt *Runtime) persistLocked(inst *instance) {
	if err := rt.store.Save(context.Background(), inst.hist); err != nil {
		rt.log.Error("Failed to persist history", "instance_id", inst.id, "error", err)
	}
}

// rotateAnyLocked wakes every TaskAny waiter; the caller holds inst.mu.
func (rt *Runtime) rotateAnyLocked(inst *instance) {
	close(inst.anyCh)
	inst.anyCh = make(chan struct{})
}

// appendEventLocked records a completion, persists it, and delivers it to the
// awaiting task. The caller holds inst.mu.
func (rt *Runtime) appendEventLocked(inst *instance, ev *Event) {
	ev.Index = len(inst.hist.Events)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	inst.hist.Events = append(inst.hist.Events, *ev)
	stored := &inst.hist.Events[len(inst.hist.Events)-1]
	inst.completed[ev.Seq] = stored
	inst.hist.UpdatedAt = ev.Timestamp

	rt.persistLocked(inst)

	if t, ok := inst.pending[ev.Seq]; ok {
		delete(inst.pending, ev.Seq)
		t.ev = stored
		close(t.done)
	}
	rt.rotateAnyLocked(inst)
}

// appendEvent is appendEventLocked with generation and duplicate guards, for
// asynchronous producers (workers, timers, child completions).
func (rt *Runtime) appendEvent(inst *instance, gen int, ev *Event) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.hist.Generation != gen || inst.hist.Runtime != StatusRunning {
		return false
	}
	if _, done := inst.completed[ev.Seq]; done {
		return false
	}
	rt.appendEventLocked(inst, ev)
	return true
}

// dispatchActivity queues an activity invocation on the worker pool.
func (rt *Runtime) dispatchActivity(inst *instance, seq int64, name string, input json.RawMessage, retry RetryOptions) {
	inv := activityInvocation{
		inst:  inst,
		gen:   inst.hist.Generation,
		seq:   seq,
		name:  name,
		input: input,
		retry: retry.normalized(),
	}

	if m := metrics.Get(); m != nil {
		m.WorkerQueueDepth.Inc()
	}

	select {
	case rt.workQueue <- inv:
	case <-rt.baseCtx.Done():
		if m := metrics.Get(); m != nil {
			m.WorkerQueueDepth.Dec()
		}
	}
}

// worker drains the activity queue.
func (rt *Runtime) worker(id int) {
	defer rt.wg.Done()

	for {
		select {
		case <-rt.baseCtx.Done():
			return
		case inv := <-rt.workQueue:
			if m := metrics.Get(); m != nil {
				m.WorkerQueueDepth.Dec()
			}
			rt.runActivity(id, inv)
		}
	}
}

// runActivity executes one activity with retries and records the final
// outcome. Intermediate retry timing is never part of history.
func (rt *Runtime) runActivity(workerID int, inv activityInvocation) {
	log := rt.log.With("worker_id", workerID, "activity", inv.name, "instance_id", inv.inst.id)

	fn, ok := rt.activities[inv.name]
	if !ok {
		rt.appendEvent(inv.inst, inv.gen, &Event{
			Seq:   inv.seq,
			Kind:  KindActivityFailed,
			Name:  inv.name,
			Error: fmt.Sprintf("unknown activity %q", inv.name),
		})
		return
	}

	var (
		result  any
		lastErr error
	)
	for attempt := 0; attempt < inv.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(inv.name)
			}
			select {
			case <-time.After(inv.retry.delayFor(attempt)):
			case <-rt.baseCtx.Done():
				return
			}
		}

		start := time.Now()
		result, lastErr = rt.invokeActivity(fn, inv.input)
		if m := metrics.Get(); m != nil {
			m.IncActivitiesExecuted(inv.name)
			m.ObserveActivityDuration(inv.name, time.Since(start).Seconds())
		}
		if lastErr == nil {
			break
		}
		log.Warn("Activity attempt failed",
			"attempt", attempt+1, "max_attempts", inv.retry.MaxAttempts, "error", lastErr)
	}

	if lastErr != nil {
		if m := metrics.Get(); m != nil {
			m.IncActivitiesFailed(inv.name)
		}
		rt.appendEvent(inv.inst, inv.gen, &Event{
			Seq:   inv.seq,
			Kind:  KindActivityFailed,
			Name:  inv.name,
			Error: lastErr.Error(),
		})
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		rt.appendEvent(inv.inst, inv.gen, &Event{
			Seq:   inv.seq,
			Kind:  KindActivityFailed,
			Name:  inv.name,
			Error: fmt.Sprintf("marshal activity result: %s", err),
		})
		return
	}

	rt.appendEvent(inv.inst, inv.gen, &Event{
		Seq:     inv.seq,
		Kind:    KindActivityCompleted,
		Name:    inv.name,
		Payload: payload,
	})
}

// invokeActivity runs the activity function, converting panics to errors.
func (rt *Runtime) invokeActivity(fn ActivityFunc, input json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(rt.baseCtx, input)
}

// armTimer schedules a wall-clock timer that appends a timer_fired event.
func (rt *Runtime) armTimer(inst *instance, t *Task) {
	gen := inst.hist.Generation
	seq := t.seq
	delay := time.Until(t.fireAt)
	if delay < 0 {
		delay = 0
	}

	tm := time.AfterFunc(delay, func() {
		select {
		case <-rt.baseCtx.Done():
			return
		default:
		}

		fired := rt.appendEvent(inst, gen, &Event{
			Seq:       seq,
			Kind:      KindTimerFired,
			Name:      "timer",
			Timestamp: t.fireAt,
		})
		if fired {
			if m := metrics.Get(); m != nil {
				m.TimersFired.Inc()
			}
		}

		inst.mu.Lock()
		delete(inst.timers, seq)
		inst.mu.Unlock()
	})

	inst.mu.Lock()
	inst.timers[seq] = tm
	inst.mu.Unlock()
}

// cancelTimer stops a losing TaskAny timer so it never fires.
func (rt *Runtime) cancelTimer(inst *instance, t *Task) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if tm, ok := inst.timers[t.seq]; ok {
		tm.Stop()
		delete(inst.timers, t.seq)
	}
	delete(inst.pending, t.seq)
	t.canceled = true
}

// subscribeEvent attaches an external-event waiter, consuming a buffered
// event of the same name first if one is queued.
func (rt *Runtime) subscribeEvent(inst *instance, t *Task) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	for i, buf := range inst.hist.Buffered {
		if buf.Name != t.name {
			continue
		}
		inst.hist.Buffered = append(inst.hist.Buffered[:i], inst.hist.Buffered[i+1:]...)
		rt.appendEventLocked(inst, &Event{
			Seq:     t.seq,
			Kind:    KindExternalEvent,
			Name:    buf.Name,
			Payload: buf.Payload,
		})
		return
	}

	inst.waiters[t.name] = append(inst.waiters[t.name], t)
}

// setCustomStatus persists observable instance state.
func (rt *Runtime) setCustomStatus(inst *instance, raw json.RawMessage) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.hist.CustomStatus = raw
	inst.hist.UpdatedAt = time.Now().UTC()
	rt.persistLocked(inst)
}

// startSubOrchestration launches (or re-attaches to) a child instance whose
// terminal outcome is delivered back to the parent at parentSeq.
func (rt *Runtime) startSubOrchestration(parent *instance, parentSeq int64, name, childID string, input json.RawMessage) {
	parentGen := parent.hist.Generation

	rt.mu.Lock()

	if child, ok := rt.instances[childID]; ok {
		// Already running in memory (resume replay): re-attach.
		child.mu.Lock()
		child.hist.ParentID = parent.id
		child.hist.ParentSeq = parentSeq
		child.hist.ParentGen = parentGen
		child.mu.Unlock()
		rt.mu.Unlock()
		return
	}

	if h, err := rt.store.Load(context.Background(), childID); err == nil {
		switch h.Runtime {
		case StatusRunning:
			h.ParentID = parent.id
			h.ParentSeq = parentSeq
			h.ParentGen = parentGen
			child := newInstance(h)
			child.indexEvents()
			rt.instances[childID] = child
			rt.mu.Unlock()
			rt.execInstance(child)
			return
		default:
			// Child already finished before the parent replayed this far.
			rt.mu.Unlock()
			rt.deliverChildOutcome(parent, parentSeq, parentGen, h.Orchestrator, h.Runtime, h.Output, h.FailureError)
			return
		}
	}

	if _, ok := rt.orchestrators[name]; !ok {
		rt.mu.Unlock()
		rt.appendEvent(parent, parentGen, &Event{
			Seq:   parentSeq,
			Kind:  KindSubFailed,
			Name:  name,
			Error: fmt.Sprintf("unknown orchestrator %q", name),
		})
		return
	}

	now := time.Now().UTC()
	h := &History{
		InstanceID:   childID,
		Orchestrator: name,
		Input:        input,
		StartedAt:    now,
		Runtime:      StatusRunning,
		ParentID:     parent.id,
		ParentSeq:    parentSeq,
		ParentGen:    parentGen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	child := newInstance(h)
	rt.instances[childID] = child
	rt.mu.Unlock()

	child.mu.Lock()
	rt.persistLocked(child)
	child.mu.Unlock()

	rt.log.Info("Started sub-orchestration",
		"instance_id", childID, "orchestrator", name, "parent_id", parent.id)
	rt.execInstance(child)
}

// notifyParent delivers a child's terminal outcome to the parent instance.
func (rt *Runtime) notifyParent(parentID string, parentSeq int64, parentGen int, childName string, status Status, output json.RawMessage, failure string) {
	rt.mu.RLock()
	parent, ok := rt.instances[parentID]
	rt.mu.RUnlock()
	if !ok {
		// Parent not in memory; its replay on resume re-reads the child's
		// terminal history directly.
		return
	}
	rt.deliverChildOutcome(parent, parentSeq, parentGen, childName, status, output, failure)
}

func (rt *Runtime) deliverChildOutcome(parent *instance, parentSeq int64, parentGen int, childName string, status Status, output json.RawMessage, failure string) {
	ev := &Event{Seq: parentSeq, Name: childName}
	switch status {
	case StatusCompleted:
		ev.Kind = KindSubCompleted
		ev.Payload = output
	case StatusTerminated:
		ev.Kind = KindSubFailed
		if failure == "" {
			failure = "terminated"
		}
		ev.Error = failure
	default:
		ev.Kind = KindSubFailed
		ev.Error = failure
	}
	rt.appendEvent(parent, parentGen, ev)
}
