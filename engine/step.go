package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/distflow/corewf/engine/emit"
)

// WorkflowContext carries everything a running workflow body needs per
// spec §9 "Execution context": workflow identity, current state, fencing
// token, engine references, and the cancellation signal from the heartbeat
// loop. One WorkflowContext is threaded through every Step call of a single
// workflow execution; it is not shared across workflows.
type WorkflowContext struct {
	ctx          context.Context
	engine       *Engine
	workflowID   string
	orgID        string
	fencingToken int64
	state        WorkflowState
	cancelled    bool

	// invocation counts Step calls made so far during this particular
	// execution of body, starting at 0 every time body runs (fresh start or
	// resume alike). Unlike state.StepNumber, it is never seeded from
	// Restore: body is re-invoked from its top on every resume, so the Nth
	// Step call it makes is always the Nth call, regardless of how many
	// steps already completed in a prior execution. Deriving stepID from
	// this instead of state.StepNumber is what makes the same step call
	// resolve to the same stepID (and therefore hit the idempotency cache)
	// across a crash and resume.
	invocation int
}

// Context returns the underlying context.Context, cancelled when the
// heartbeat loop detects the workflow has been fenced out, the lease TTL has
// lapsed, or an explicit Cancel was recorded.
func (wc *WorkflowContext) Context() context.Context { return wc.ctx }

// WorkflowID returns the identity of the running workflow.
func (wc *WorkflowContext) WorkflowID() string { return wc.workflowID }

// Variables returns a copy of the workflow's current variables. Mutating
// the returned map has no effect on the workflow's state.
func (wc *WorkflowContext) Variables() map[string]any { return copyMap(wc.state.Variables) }

// StepNumber returns the number of steps completed so far.
func (wc *WorkflowContext) StepNumber() int { return wc.state.StepNumber }

// Cancelled reports whether cancellation has been observed. A step that
// checks this mid-execution can unwind cooperatively instead of running to
// completion (spec §5 "Cancellation").
func (wc *WorkflowContext) Cancelled() bool {
	select {
	case <-wc.ctx.Done():
		return true
	default:
		return wc.cancelled
	}
}

// Step executes one logical step occurrence through the exactly-once-commit
// protocol of spec §4.7. name identifies the step; fn computes its effect;
// policy configures its timeout, retry, checkpoint, and savepoint behavior
// (pass StepPolicy{} for all-default behavior).
func (wc *WorkflowContext) Step(name string, fn StepFunc, policy StepPolicy) error {
	eng := wc.engine
	stepCounter := wc.state.StepNumber
	invocation := wc.invocation
	wc.invocation++
	stepID := fmt.Sprintf("%s_%d", name, invocation)

	// 2. Cache lookup. A hit means this step's effect is already reflected
	// in wc.state (Restore replayed its step_completed delta); skip fn.
	if _, hit, err := eng.Idempotency.CheckCompleted(wc.ctx, wc.workflowID, stepID); err != nil {
		return newEngineError("RecoveryFailed", err)
	} else if hit {
		eng.emit(emit.Event{WorkflowID: wc.workflowID, StepNumber: stepCounter, StepID: stepID, Msg: "step_cache_hit"})
		return nil
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = eng.config.DefaultStepTimeout
	}
	retry := policy.Retry
	if retry == nil {
		retry = eng.config.DefaultRetryPolicy
	}

	attemptsMade := 0
	for {
		// 3. Attempt allocation.
		attempt, err := eng.Idempotency.AllocateAttempt(wc.ctx, wc.workflowID, stepID, wc.fencingToken)
		if err != nil {
			return err
		}
		attemptsMade++

		// 4. Write intention.
		intentionPayload := StepIntentionPayload{
			StepID:       stepID,
			StepName:     name,
			AttemptID:    attempt.AttemptID,
			FencingToken: wc.fencingToken,
		}
		intention, err := NewEvent(wc.workflowID, wc.orgID, EventStepIntention, intentionPayload)
		if err != nil {
			return err
		}
		if _, err := eng.Journal.Append(wc.ctx, intention, wc.fencingToken); err != nil {
			return err
		}

		// 5. Execute under timeout.
		stepCtx := wc.ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(wc.ctx, timeout)
		}
		start := time.Now()
		result, fnErr := fn(stepCtx, copyMap(wc.state.Variables))
		if cancel != nil {
			cancel()
		}
		duration := time.Since(start)

		if fnErr == nil && stepCtx.Err() != nil {
			fnErr = stepCtx.Err()
		}

		if fnErr != nil {
			// 6. On failure.
			kind := "StepExecutionFailed"
			if stepCtx.Err() != nil {
				kind = "StepTimeout"
			}
			failedPayload := StepFailedPayload{
				StepID:    stepID,
				AttemptID: attempt.AttemptID,
				ErrorKind: kind,
				ErrorMsg:  fnErr.Error(),
			}
			failed, err := NewEvent(wc.workflowID, wc.orgID, EventStepFailed, failedPayload)
			if err != nil {
				return err
			}
			if _, err := eng.Journal.Append(wc.ctx, failed, wc.fencingToken); err != nil {
				return err
			}

			if retry.ShouldRetry(attemptsMade, fnErr) {
				eng.emit(emit.Event{WorkflowID: wc.workflowID, StepNumber: stepCounter, StepID: stepID, Msg: "step_retry", Meta: map[string]any{"step_name": name, "attempt": attemptsMade}})
				delay := computeBackoff(attemptsMade-1, retry.BaseDelay, retry.MaxDelay, nil)
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-wc.ctx.Done():
						return wc.ctx.Err()
					}
				}
				continue
			}
			if kind == "StepTimeout" {
				return ErrStepTimeout
			}
			if attemptsMade >= retry.MaxAttempts {
				return ErrTooManyAttempts
			}
			return ErrStepExecutionFailed
		}

		// 7. On success.
		nextVars := copyMap(wc.state.Variables)
		for k, v := range result {
			nextVars[k] = v
		}
		delta, err := ComputeDelta(wc.state.Variables, nextVars)
		if err != nil {
			return err
		}

		nextState := wc.state
		nextState.Variables = nextVars
		nextState.StepNumber = stepCounter + 1
		newChecksum, err := nextState.ComputeChecksum()
		if err != nil {
			return err
		}
		nextState.Checksum = newChecksum

		completedPayload := StepCompletedPayload{
			StepID:           stepID,
			AttemptID:        attempt.AttemptID,
			StateDelta:       delta,
			NewStateChecksum: newChecksum,
			DurationMS:       duration.Milliseconds(),
		}
		completedEvent, err := NewEvent(wc.workflowID, wc.orgID, EventStepCompleted, completedPayload)
		if err != nil {
			return err
		}
		appended, err := eng.Journal.Append(wc.ctx, completedEvent, wc.fencingToken)
		if err != nil {
			return err
		}
		if _, err := eng.Idempotency.MarkCompleted(wc.ctx, attempt, newChecksum); err != nil {
			return err
		}

		wc.state = nextState
		eng.emit(emit.Event{WorkflowID: wc.workflowID, StepNumber: nextState.StepNumber, StepID: stepID, Msg: "step_completed", Meta: map[string]any{"duration_ms": duration.Milliseconds()}})

		if err := eng.maybeSnapshot(wc, policy, appended.EventSeq); err != nil {
			return err
		}
		return nil
	}
}

// maybeSnapshot writes a snapshot when the engine-level "every N steps"
// cadence is due or the step requested a savepoint. A step's Checkpoint
// hint is not consulted, so it neither adds nor suppresses snapshots.
func (eng *Engine) maybeSnapshot(wc *WorkflowContext, policy StepPolicy, lastEventSeq int64) error {
	cadenceDue := eng.config.SnapshotEveryNSteps > 0 && wc.state.StepNumber%eng.config.SnapshotEveryNSteps == 0
	savepointDue := policy.Savepoint

	if !cadenceDue && !savepointDue {
		return nil
	}

	snap, err := NewSnapshot(wc.state, lastEventSeq, eng.config.InlineSnapshotThreshold, eng.Blobs)
	if err != nil {
		return err
	}

	if savepointDue {
		sp := policy.SavepointMetadata
		savepointPayload := SavepointCreatedPayload{
			SavepointID: NewSavepointID(),
			StepNumber:  wc.state.StepNumber,
			GoalSummary: sp.GoalSummary,
			Hypotheses:  sp.Hypotheses,
			Questions:   sp.Questions,
			Decisions:   sp.Decisions,
			NextStep:    sp.NextStep,
			SnapshotRef: snap.SnapshotID,
		}
		snap.SavepointRef = savepointPayload.SavepointID
		event, err := NewEvent(wc.workflowID, wc.orgID, EventSavepointCreated, savepointPayload)
		if err != nil {
			return err
		}
		appended, err := eng.Journal.Append(wc.ctx, event, wc.fencingToken)
		if err != nil {
			return err
		}
		snap.LastEventSeq = appended.EventSeq
	}

	if err := eng.Snapshots.Put(wc.ctx, snap); err != nil {
		return err
	}

	trigger := "cadence"
	if savepointDue {
		trigger = "savepoint"
	}
	eng.emit(emit.Event{WorkflowID: wc.workflowID, StepNumber: wc.state.StepNumber, Msg: "checkpoint_written", Meta: map[string]any{"trigger": trigger}})
	return nil
}
