package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distflow/corewf/engine"
)

// Scenario A (spec §8): basic three-step completion.
func TestScenarioABasicThreeStepCompletion(t *testing.T) {
	eng, mem := newTestEngine(t, engine.WithLeaseTTL(time.Second))

	body := func(wc *engine.WorkflowContext) error {
		if err := wc.Step("a", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			vars["y"] = 2
			return vars, nil
		}, engine.StepPolicy{}); err != nil {
			return err
		}
		if err := wc.Step("b", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			vars["z"] = 3
			return vars, nil
		}, engine.StepPolicy{}); err != nil {
			return err
		}
		return wc.Step("c", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			vars["sum"] = 6
			return vars, nil
		}, engine.StepPolicy{})
	}

	workflowID, err := eng.Start(context.Background(), "wf-a", map[string]any{"x": 1}, engine.StartConfig{OwnerID: "owner-1"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := awaitPhase(t, eng, workflowID, "completed")
	if status.StepNumber != 3 {
		t.Fatalf("StepNumber = %d, want 3", status.StepNumber)
	}

	events, err := mem.ReadRange(context.Background(), workflowID, 1, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	var intentions, completions int
	for _, e := range events {
		switch e.EventType {
		case engine.EventStepIntention:
			intentions++
		case engine.EventStepCompleted:
			completions++
		}
	}
	if intentions != 3 || completions != 3 {
		t.Fatalf("got %d intentions and %d completions, want 3 and 3", intentions, completions)
	}

	restored, err := engine.NewRecovery(mem, mem, mem.Blobs()).Restore(context.Background(), workflowID, "")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	want := map[string]any{"y": float64(2), "z": float64(3), "sum": float64(6)}
	for k, v := range want {
		if got := restored.State.Variables[k]; got != v {
			t.Fatalf("Variables[%q] = %v, want %v", k, got, v)
		}
	}
}

// Scenario B (spec §8): crash and resume. After step a completes, the
// executor is replaced; resume must issue zero further calls to a's user
// function. This is the direct regression test for the stepID-derivation
// bug: before the fix, wc.state.StepNumber (already 1 on resume) made the
// resumed execution's first Step("a", ...) call look up "a_1" instead of
// "a_0", guaranteeing a cache miss and a second call to a's function.
func TestScenarioBCrashAndResume(t *testing.T) {
	eng, _ := newTestEngine(t, engine.WithLeaseTTL(time.Second))

	var aCalls, bCalls, cCalls int32
	abort := int32(1)

	body := func(wc *engine.WorkflowContext) error {
		if err := wc.Step("a", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			atomic.AddInt32(&aCalls, 1)
			vars["a"] = true
			return vars, nil
		}, engine.StepPolicy{}); err != nil {
			return err
		}
		if atomic.LoadInt32(&abort) == 1 {
			return errors.New("simulated crash after step a")
		}
		if err := wc.Step("b", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			atomic.AddInt32(&bCalls, 1)
			vars["b"] = true
			return vars, nil
		}, engine.StepPolicy{}); err != nil {
			return err
		}
		return wc.Step("c", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			atomic.AddInt32(&cCalls, 1)
			vars["c"] = true
			return vars, nil
		}, engine.StepPolicy{})
	}

	workflowID, err := eng.Start(context.Background(), "wf-b", nil, engine.StartConfig{OwnerID: "owner-1"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the first execution to fail after step a and release its
	// lease, rather than for any particular phase label.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := eng.Status(context.Background(), workflowID, "")
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.StepNumber == 1 && !status.LeaseHeld {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first execution did not suspend after step a in time, status=%+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&aCalls); got != 1 {
		t.Fatalf("aCalls = %d after the first execution, want 1", got)
	}

	atomic.StoreInt32(&abort, 0)
	if err := eng.Resume(context.Background(), workflowID, "", "owner-2", body); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	awaitPhase(t, eng, workflowID, "completed")

	if got := atomic.LoadInt32(&aCalls); got != 1 {
		t.Fatalf("aCalls = %d across the crash and resume, want 1 (step a's user function must not be re-invoked)", got)
	}
	if got := atomic.LoadInt32(&bCalls); got != 1 {
		t.Fatalf("bCalls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&cCalls); got != 1 {
		t.Fatalf("cCalls = %d, want 1", got)
	}
}

// Scenario C (spec §8) and property 7: a step that fails twice and then
// succeeds yields the same final state as a single successful attempt, with
// one step_intention and one step_failed per failed attempt plus a final
// step_completed.
func TestScenarioCRetryWithSuccess(t *testing.T) {
	eng, mem := newTestEngine(t, engine.WithLeaseTTL(time.Second))

	var attempts int32
	body := func(wc *engine.WorkflowContext) error {
		return wc.Step("a", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("connection error")
			}
			vars["done"] = true
			return vars, nil
		}, engine.StepPolicy{Retry: &engine.RetryPolicy{
			MaxAttempts: 3,
			Retryable:   func(error) bool { return true },
		}})
	}

	workflowID, err := eng.Start(context.Background(), "wf-c", nil, engine.StartConfig{OwnerID: "owner-1"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitPhase(t, eng, workflowID, "completed")

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	events, err := mem.ReadRange(context.Background(), workflowID, 1, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	var kinds []engine.EventType
	for _, e := range events {
		kinds = append(kinds, e.EventType)
	}
	want := []engine.EventType{
		engine.EventStepIntention, engine.EventStepFailed,
		engine.EventStepIntention, engine.EventStepFailed,
		engine.EventStepIntention, engine.EventStepCompleted,
		engine.EventWorkflowCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(kinds), kinds, len(want), want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full sequence: %v)", i, kinds[i], want[i], kinds)
		}
	}
}

// Property 5: two concurrent Acquire calls on the same workflow_id succeed
// for exactly one caller.
func TestLeaseExclusivity(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	results := make(chan error, 2)
	start := make(chan struct{})
	for _, owner := range []string{"owner-1", "owner-2"} {
		owner := owner
		go func() {
			<-start
			_, err := eng.Leases.Acquire(ctx, "wf-lease", owner, time.Minute)
			results <- err
		}()
	}
	close(start)

	var successes, locked int
	for i := 0; i < 2; i++ {
		switch err := <-results; err {
		case nil:
			successes++
		case engine.ErrWorkflowLocked:
			locked++
		default:
			t.Fatalf("Acquire returned unexpected error: %v", err)
		}
	}
	if successes != 1 || locked != 1 {
		t.Fatalf("got %d successes and %d WorkflowLocked, want exactly 1 of each", successes, locked)
	}
}

// Scenario D (spec §8) and property 6: lease takeover with fencing. X
// acquires, writes an intention, then stalls past its TTL. Y acquires with a
// strictly greater fencing token, completes the step. X's subsequent
// heartbeat and completion write are both rejected, and the step completes
// exactly once, under Y's attempt.
func TestScenarioDLeaseTakeoverWithFencing(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	workflowID := "wf-d"

	leaseX, err := eng.Leases.Acquire(ctx, workflowID, "executor-x", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire (X): %v", err)
	}
	if leaseX.FencingToken != 1 {
		t.Fatalf("leaseX.FencingToken = %d, want 1", leaseX.FencingToken)
	}

	intentionX, err := engine.NewEvent(workflowID, "", engine.EventStepIntention, engine.StepIntentionPayload{
		StepID: "a_0", StepName: "a", AttemptID: 1, FencingToken: leaseX.FencingToken,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if _, err := eng.Journal.Append(ctx, intentionX, leaseX.FencingToken); err != nil {
		t.Fatalf("Append intention(a,1): %v", err)
	}

	// X stalls past its lease TTL.
	time.Sleep(20 * time.Millisecond)

	leaseY, err := eng.Leases.Acquire(ctx, workflowID, "executor-y", time.Minute)
	if err != nil {
		t.Fatalf("Acquire (Y): %v", err)
	}
	if leaseY.FencingToken != leaseX.FencingToken+1 {
		t.Fatalf("leaseY.FencingToken = %d, want %d (strictly greater than X's)", leaseY.FencingToken, leaseX.FencingToken+1)
	}

	intentionY, err := engine.NewEvent(workflowID, "", engine.EventStepIntention, engine.StepIntentionPayload{
		StepID: "a_0", StepName: "a", AttemptID: 2, FencingToken: leaseY.FencingToken,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if _, err := eng.Journal.Append(ctx, intentionY, leaseY.FencingToken); err != nil {
		t.Fatalf("Append intention(a,2): %v", err)
	}

	completedY, err := engine.NewEvent(workflowID, "", engine.EventStepCompleted, engine.StepCompletedPayload{
		StepID: "a_0", AttemptID: 2, NewStateChecksum: "checksum-y",
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if _, err := eng.Journal.Append(ctx, completedY, leaseY.FencingToken); err != nil {
		t.Fatalf("Append completed(a,2): %v", err)
	}

	// X attempts a heartbeat: rejected, since Y's Acquire replaced the lease
	// row with a new owner and fencing token.
	if _, err := eng.Leases.Heartbeat(ctx, leaseX, time.Minute); !errors.Is(err, engine.ErrFenced) {
		t.Fatalf("Heartbeat (X) = %v, want ErrFenced", err)
	}

	// X attempts a completion write for its own (stale) attempt: rejected.
	completedX, err := engine.NewEvent(workflowID, "", engine.EventStepCompleted, engine.StepCompletedPayload{
		StepID: "a_0", AttemptID: 1, NewStateChecksum: "checksum-x",
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if _, err := eng.Journal.Append(ctx, completedX, leaseX.FencingToken); !errors.Is(err, engine.ErrFenced) {
		t.Fatalf("Append completed(a,1) from X = %v, want ErrFenced", err)
	}

	events, err := mem.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	var completions int
	for _, e := range events {
		if e.EventType == engine.EventStepCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("got %d step_completed events, want exactly 1 (step a completes exactly once, under attempt 2)", completions)
	}
}
