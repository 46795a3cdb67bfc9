package engine

import (
	"context"
	"time"
)

// StepAttempt records one allocated attempt at executing a step, per spec
// §3 "Idempotency record" and §4.5. AttemptID is 1-based and counts every
// allocation for the step, including ones that failed or timed out.
type StepAttempt struct {
	WorkflowID   string    `json:"workflow_id"`
	StepID       string    `json:"step_id"`
	AttemptID    int       `json:"attempt_id"`
	FencingToken int64     `json:"fencing_token"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// CompletedStep is the durable record that a step has reached a terminal
// outcome, keyed so a replayed or re-dispatched attempt can short-circuit
// straight to the recorded result instead of re-running user code.
type CompletedStep struct {
	WorkflowID       string    `json:"workflow_id"`
	StepID           string    `json:"step_id"`
	AttemptID        int       `json:"attempt_id"`
	NewStateChecksum string    `json:"new_state_checksum"`
	CompletedAt      time.Time `json:"completed_at"`
}

// IdempotencyStore is the persistence boundary behind the exactly-once-commit
// protocol of spec §4.7. Every step of every workflow passes through
// CheckCompleted before user code runs; on a miss, AllocateAttempt reserves
// each attempt before it runs, and MarkCompleted records the one that
// succeeded.
type IdempotencyStore interface {
	// CheckCompleted returns the recorded CompletedStep for (workflowID,
	// stepID), if one exists. A hit means the step must not be re-executed;
	// the caller replays NewStateChecksum's effect from the journal instead.
	CheckCompleted(ctx context.Context, workflowID, stepID string) (CompletedStep, bool, error)

	// AllocateAttempt atomically reserves the next AttemptID for
	// (workflowID, stepID), gated on fencingToken still being the current
	// lease's token. Returns ErrFenced if fencingToken is stale.
	AllocateAttempt(ctx context.Context, workflowID, stepID string, fencingToken int64) (StepAttempt, error)

	// MarkCompleted records the terminal outcome of attempt, making future
	// CheckCompleted calls for this step return it. Must be called in the
	// same transaction as the step_completed journal append in a
	// transactional store; implementations that can't guarantee that must
	// document the narrowed window.
	MarkCompleted(ctx context.Context, attempt StepAttempt, newStateChecksum string) (CompletedStep, error)

	// AttemptCount returns how many attempts have been allocated for
	// (workflowID, stepID) so far. The step runtime counts its attempts
	// locally and does not call it.
	AttemptCount(ctx context.Context, workflowID, stepID string) (int, error)
}
