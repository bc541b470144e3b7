package durable

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testRuntime(t *testing.T, store HistoryStore) *Runtime {
	t.Helper()
	rt := NewRuntime(store, Options{Workers: 4, QueueSize: 16})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func TestActivityOrchestration(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterActivity("double", func(ctx context.Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	rt.RegisterOrchestrator("doubler", func(ctx *Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		var out int
		if err := ctx.CallActivity("double", n, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "doubler", "d1", 21); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "d1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}

	var result int
	if err := json.Unmarshal(st.Output, &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result != 42 {
		t.Errorf("output = %d, want 42", result)
	}
}

func TestActivityFailurePropagation(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterActivity("explode", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	rt.RegisterOrchestrator("fragile", func(ctx *Context, input json.RawMessage) (any, error) {
		return nil, ctx.CallActivity("explode", nil, nil)
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "fragile", "f1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "f1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusFailed {
		t.Fatalf("status = %s, want Failed", st.Runtime)
	}
	want := "Activity function 'explode' failed: boom"
	if st.Error != want {
		t.Errorf("error = %q, want %q", st.Error, want)
	}
}

func TestActivityRetry(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	var attempts int32
	rt.RegisterActivity("flaky", func(ctx context.Context, input json.RawMessage) (any, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	rt.RegisterOrchestrator("retrier", func(ctx *Context, input json.RawMessage) (any, error) {
		var out string
		opts := RetryOptions{FirstRetryInterval: time.Millisecond, MaxAttempts: 3}
		if err := ctx.CallActivityWithRetry("flaky", opts, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "retrier", "r1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "r1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestExternalEventDeliveredToWaiter(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterOrchestrator("waiter", func(ctx *Context, input json.RawMessage) (any, error) {
		var msg string
		if err := ctx.WaitForExternalEvent("go").Await(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "waiter", "w1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	// Give the orchestration a moment to subscribe, then raise.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := rt.RaiseEvent(ctx, "w1", "go", "hello"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("RaiseEvent never succeeded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "w1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	var msg string
	json.Unmarshal(st.Output, &msg)
	if msg != "hello" {
		t.Errorf("output = %q, want %q", msg, "hello")
	}
}

func TestExternalEventBufferedBeforeWaiter(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	release := make(chan struct{})
	rt.RegisterActivity("block", func(ctx context.Context, input json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	rt.RegisterOrchestrator("late-waiter", func(ctx *Context, input json.RawMessage) (any, error) {
		if err := ctx.CallActivity("block", nil, nil); err != nil {
			return nil, err
		}
		var msg string
		if err := ctx.WaitForExternalEvent("go").Await(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "late-waiter", "lw1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	// The event arrives while the orchestration is still inside the blocking
	// activity, long before any waiter subscribes.
	if err := rt.RaiseEvent(ctx, "lw1", "go", "early"); err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "lw1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	var msg string
	json.Unmarshal(st.Output, &msg)
	if msg != "early" {
		t.Errorf("output = %q, want %q", msg, "early")
	}
}

func TestTimerFiresAndAdvancesClock(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	var before, after time.Time
	rt.RegisterOrchestrator("sleeper", func(ctx *Context, input json.RawMessage) (any, error) {
		before = ctx.CurrentUTC()
		fireAt := time.Now().UTC().Add(20 * time.Millisecond)
		if err := ctx.CreateTimer(fireAt).Await(nil); err != nil {
			return nil, err
		}
		after = ctx.CurrentUTC()
		return nil, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "sleeper", "s1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "s1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	if !after.After(before) {
		t.Errorf("frozen clock did not advance: before=%v after=%v", before, after)
	}
}

func TestTaskAnyEventBeatsTimer(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterOrchestrator("racer", func(ctx *Context, input json.RawMessage) (any, error) {
		eventTask := ctx.WaitForExternalEvent("go")
		timerTask := ctx.CreateTimer(time.Now().UTC().Add(time.Hour))

		winner, err := ctx.TaskAny([]*Task{eventTask, timerTask})
		if err != nil {
			return nil, err
		}
		if winner == timerTask {
			return "timeout", nil
		}
		return "event", nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "racer", "race1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	if err := rt.RaiseEvent(ctx, "race1", "go", nil); err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "race1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	var outcome string
	json.Unmarshal(st.Output, &outcome)
	if outcome != "event" {
		t.Errorf("winner = %q, want %q", outcome, "event")
	}
}

func TestContinueAsNewTruncatesHistory(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(t, store)

	rt.RegisterActivity("noop", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, nil
	})
	rt.RegisterOrchestrator("looper", func(ctx *Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		if err := ctx.CallActivity("noop", nil, nil); err != nil {
			return nil, err
		}
		if n < 3 {
			ctx.ContinueAsNew(n + 1)
		}
		return n, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "looper", "loop1", 0); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "loop1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}

	var n int
	json.Unmarshal(st.Output, &n)
	if n != 3 {
		t.Errorf("final input = %d, want 3", n)
	}

	h, err := store.Load(ctx, "loop1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.Generation != 3 {
		t.Errorf("generation = %d, want 3", h.Generation)
	}
	if len(h.Events) != 1 {
		t.Errorf("history has %d events after continue-as-new, want 1", len(h.Events))
	}
}

func TestSubOrchestrationFailureFormat(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterActivity("explode", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	rt.RegisterOrchestrator("inner", func(ctx *Context, input json.RawMessage) (any, error) {
		return nil, ctx.CallActivity("explode", nil, nil)
	})
	rt.RegisterOrchestrator("outer", func(ctx *Context, input json.RawMessage) (any, error) {
		return nil, ctx.CallSubOrchestrator("inner", "", nil, nil)
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "outer", "o1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "o1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusFailed {
		t.Fatalf("status = %s, want Failed", st.Runtime)
	}
	want := "Orchestrator function 'inner' failed: Activity function 'explode' failed: boom"
	if st.Error != want {
		t.Errorf("error = %q, want %q", st.Error, want)
	}
}

func TestSubOrchestrationResult(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterOrchestrator("inner", func(ctx *Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n + 1, nil
	})
	rt.RegisterOrchestrator("outer", func(ctx *Context, input json.RawMessage) (any, error) {
		var out int
		if err := ctx.CallSubOrchestrator("inner", "child-1", 9, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "outer", "o2", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "o2")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}
	var out int
	json.Unmarshal(st.Output, &out)
	if out != 10 {
		t.Errorf("output = %d, want 10", out)
	}
}

func TestReplayDoesNotReexecuteActivities(t *testing.T) {
	store := NewMemoryStore()
	rt := NewRuntime(store, Options{Workers: 4, QueueSize: 16})

	var executions int32
	registerAll := func(r *Runtime) {
		r.RegisterActivity("count", func(ctx context.Context, input json.RawMessage) (any, error) {
			return atomic.AddInt32(&executions, 1), nil
		})
		r.RegisterOrchestrator("resumer", func(ctx *Context, input json.RawMessage) (any, error) {
			var first int32
			if err := ctx.CallActivity("count", nil, &first); err != nil {
				return nil, err
			}
			var msg string
			if err := ctx.WaitForExternalEvent("go").Await(&msg); err != nil {
				return nil, err
			}
			var second int32
			if err := ctx.CallActivity("count", nil, &second); err != nil {
				return nil, err
			}
			return []int32{first, second}, nil
		})
	}
	registerAll(rt)

	ctx := context.Background()
	if err := rt.StartNew(ctx, "resumer", "res1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	// Wait until the first activity is recorded, then simulate a crash.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h, err := store.Load(ctx, "res1")
		if err == nil && len(h.Events) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first activity never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rt.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel()

	rt2 := testRuntime(t, store)
	registerAll(rt2)
	if err := rt2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if err := rt2.RaiseEvent(ctx, "res1", "go", "resume"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("RaiseEvent never succeeded after resume")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	st, err := rt2.WaitForCompletion(waitCtx, "res1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}

	var results []int32
	json.Unmarshal(st.Output, &results)
	if len(results) != 2 || results[0] != 1 || results[1] != 2 {
		t.Errorf("results = %v, want [1 2]", results)
	}
	if n := atomic.LoadInt32(&executions); n != 2 {
		t.Errorf("activity executed %d times, want 2 (replay must not re-execute)", n)
	}
}

func TestDeterministicUUIDsAcrossReplay(t *testing.T) {
	store := NewMemoryStore()
	rt := NewRuntime(store, Options{Workers: 4, QueueSize: 16})

	var (
		idsMu sync.Mutex
		ids   []string
	)
	registerAll := func(r *Runtime) {
		r.RegisterOrchestrator("uuider", func(ctx *Context, input json.RawMessage) (any, error) {
			id := ctx.NewUUID()
			idsMu.Lock()
			ids = append(ids, id)
			idsMu.Unlock()
			if err := ctx.WaitForExternalEvent("go").Await(nil); err != nil {
				return nil, err
			}
			return id, nil
		})
	}
	registerAll(rt)

	ctx := context.Background()
	if err := rt.StartNew(ctx, "uuider", "u1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rt.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel()

	rt2 := testRuntime(t, store)
	registerAll(rt2)
	if err := rt2.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := rt2.RaiseEvent(ctx, "u1", "go", nil); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("RaiseEvent never succeeded after resume")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	st, err := rt2.WaitForCompletion(waitCtx, "u1")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusCompleted {
		t.Fatalf("status = %s, want Completed (error: %s)", st.Runtime, st.Error)
	}

	idsMu.Lock()
	defer idsMu.Unlock()
	if len(ids) < 2 {
		t.Fatalf("captured %d ids, want at least 2", len(ids))
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("uuid changed across replay: %q then %q", ids[0], id)
		}
	}
}

func TestTerminateCascades(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(t, store)

	rt.RegisterOrchestrator("child", func(ctx *Context, input json.RawMessage) (any, error) {
		if err := ctx.WaitForExternalEvent("never").Await(nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
	rt.RegisterOrchestrator("parent", func(ctx *Context, input json.RawMessage) (any, error) {
		return nil, ctx.CallSubOrchestrator("child", "t-child", nil, nil)
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "parent", "t-parent", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	// Wait until the child is registered and persisted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Load(ctx, "t-child"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("child never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := rt.Terminate(ctx, "t-parent", "test cleanup"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := rt.WaitForCompletion(waitCtx, "t-parent")
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if st.Runtime != StatusTerminated {
		t.Fatalf("parent status = %s, want Terminated", st.Runtime)
	}

	childSt, err := rt.WaitForCompletion(waitCtx, "t-child")
	if err != nil {
		t.Fatalf("child WaitForCompletion: %v", err)
	}
	if childSt.Runtime != StatusTerminated {
		t.Errorf("child status = %s, want Terminated", childSt.Runtime)
	}

	if err := rt.Purge(ctx, "t-parent"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := store.Load(ctx, "t-parent"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("parent history survived purge: %v", err)
	}
	if _, err := store.Load(ctx, "t-child"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("child history survived purge: %v", err)
	}
}

func TestStartNewRejectsRunningInstance(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterOrchestrator("waiter", func(ctx *Context, input json.RawMessage) (any, error) {
		if err := ctx.WaitForExternalEvent("go").Await(nil); err != nil {
			return nil, err
		}
		return nil, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "waiter", "dup1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	if err := rt.StartNew(ctx, "waiter", "dup1", nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second StartNew = %v, want ErrAlreadyRunning", err)
	}
}

func TestCustomStatusVisible(t *testing.T) {
	rt := testRuntime(t, NewMemoryStore())

	rt.RegisterOrchestrator("status-setter", func(ctx *Context, input json.RawMessage) (any, error) {
		ctx.SetCustomStatus("Building")
		if err := ctx.WaitForExternalEvent("go").Await(nil); err != nil {
			return nil, err
		}
		return nil, nil
	})

	ctx := context.Background()
	if err := rt.StartNew(ctx, "status-setter", "cs1", nil); err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := rt.GetStatus(ctx, "cs1")
		if err == nil && strings.Contains(string(st.CustomStatus), "Building") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("custom status never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rt.RaiseEvent(ctx, "cs1", "go", nil)
}
