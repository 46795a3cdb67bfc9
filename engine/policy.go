package engine

import (
	"math/rand"
	"time"
)

// StepPolicy configures the execution behavior of a single step: timeout,
// retry, checkpoint hint, and savepoint request. If a field is zero,
// EngineConfig's corresponding default applies. Mirrors the teacher's
// NodePolicy, generalized from a graph node to a named workflow step.
type StepPolicy struct {
	// Timeout is the maximum wall-clock duration a single attempt of this
	// step may run. Zero means EngineConfig.DefaultStepTimeout applies.
	Timeout time.Duration

	// Retry specifies automatic retry behavior for this step. Nil means
	// EngineConfig.DefaultRetryPolicy applies.
	Retry *RetryPolicy

	// Checkpoint is a per-step snapshot hint, true when nil (see
	// CheckpointRequested). The step runtime does not read it: snapshots are
	// written on the engine's every-N-steps cadence and after a step with
	// Savepoint set, whatever this field holds.
	Checkpoint *bool

	// Savepoint, if true, causes a savepoint_created event (with Metadata)
	// to be appended immediately after this step completes, and forces a
	// snapshot regardless of cadence.
	Savepoint bool

	// SavepointMetadata supplies the human/agent-facing fields of the
	// savepoint_created payload when Savepoint is true.
	SavepointMetadata SavepointMetadata

	// IdempotencyKeyFunc derives an external idempotency key for a
	// non-idempotent side effect from the step's input, per spec §7. The
	// step runtime does not call it and passes no key to the StepFunc.
	IdempotencyKeyFunc func(input map[string]any) string
}

// SavepointMetadata is the human/agent-facing payload attached to a
// savepoint_created event, per spec §3 "Savepoint".
type SavepointMetadata struct {
	GoalSummary string
	Hypotheses  []string
	Questions   []string
	Decisions   []string
	NextStep    string
}

// CheckpointRequested reports whether this policy's Checkpoint hint is set,
// defaulting to true when unset (spec §6: "checkpoint: bool (default
// true)").
func (p StepPolicy) CheckpointRequested() bool {
	if p.Checkpoint == nil {
		return true
	}
	return *p.Checkpoint
}

// RetryPolicy controls automatic retry of a failed step attempt, per spec
// §4.7 step 6 and §8 property 7. MaxAttempts counts the total number of
// attempts including the first (spec §9 open question 2): a value of 1
// means no retries.
type RetryPolicy struct {
	MaxAttempts int

	// BaseDelay is the base for exponential backoff: delay = min(BaseDelay *
	// 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether err should trigger another attempt. Nil
	// treats every error as non-retryable, so MaxAttempts > 1 has no effect
	// unless the caller sets this.
	Retryable func(error) bool
}

// DefaultRetryPolicy is used when neither a step's policy nor the engine
// config supplies one: a single attempt, no retries.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Validate checks MaxAttempts >= 1 and, when both delays are set, MaxDelay
// >= BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp == nil {
		return nil
	}
	if rp.MaxAttempts < 1 {
		return newEngineError("InvalidRetryPolicy", nil)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return newEngineError("InvalidRetryPolicy", nil)
	}
	return nil
}

// ShouldRetry reports whether another attempt is permitted after attemptsMade
// attempts have already been allocated and the most recent one failed with
// err. attemptsMade includes the attempt that just failed.
func (rp *RetryPolicy) ShouldRetry(attemptsMade int, err error) bool {
	if rp == nil {
		return false
	}
	if attemptsMade >= rp.MaxAttempts {
		return false
	}
	if rp.Retryable == nil {
		return false
	}
	return rp.Retryable(err)
}

// computeBackoff returns the delay before the next attempt. attemptsMade is
// the zero-based index of the retry about to be made: the step runtime
// passes its failed-attempt count minus one, so the first retry uses 0. Matches the
// teacher's exponential-with-jitter formula: min(base*2^attempt, max) +
// jitter(0, base).
func computeBackoff(attemptsMade int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(int64(1)<<uint(attemptsMade))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
	}
	return delay + jitter
}
