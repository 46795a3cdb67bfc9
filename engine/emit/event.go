// Package emit provides pluggable observability for workflow execution,
// separate from the event journal: journal events are the system of
// record, emit.Events are fire-and-forget signals for logs, traces, and
// metrics.
package emit

// Event is one observability signal emitted during workflow execution.
type Event struct {
	// WorkflowID identifies the workflow execution that emitted this event.
	WorkflowID string

	// StepNumber is the workflow's completed-step count at emission time.
	// Zero for lease events (lease_acquired, lease_locked, fenced);
	// workflow_completed carries the final count.
	StepNumber int

	// StepID is the deterministic step identifier (spec §3 "Step id"),
	// empty for workflow-level events.
	StepID string

	// Msg names the event, e.g. "lease_acquired", "step_completed",
	// "step_retry", "restore_ok".
	Msg string

	// Meta carries event-specific structured fields.
	Meta map[string]any
}
