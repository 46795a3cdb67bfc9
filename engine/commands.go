package engine

import (
	"context"
	"sync"
	"time"
)

// StartConfig carries the optional fields of a Start call, per spec §4.9
// and §6 "Input configuration".
type StartConfig struct {
	WorkflowID  string
	OrgID       string
	Tags        map[string]any
	OwnerID     string
	RetryPolicy *RetryPolicy
}

// Status is the derived, read-only view Status(workflow_id) returns.
type Status struct {
	WorkflowID     string
	OrgID          string
	Phase          string // running, suspended, completed or cancelled; pending and failed are never reported
	StepNumber     int
	LeaseOwnerID   string
	LeaseHeld      bool
	EventCount     int64
	SnapshotCount  int
	SavepointCount int
}

// runHandle tracks one in-flight Start/Resume so Status can report on it
// without blocking the caller of Start/Resume.
type runHandle struct {
	done chan struct{}
	err  error
}

// runRegistry is the engine's bookkeeping of workflows currently scheduled
// on this executor process. It is purely local: another executor's
// in-flight run is invisible here, which is correct since Status's
// authoritative lease/event data always comes from the shared stores.
type runRegistry struct {
	mu      sync.Mutex
	handles map[string]*runHandle
}

func newRunRegistry() *runRegistry {
	return &runRegistry{handles: make(map[string]*runHandle)}
}

func (r *runRegistry) register(workflowID string) *runHandle {
	h := &runHandle{done: make(chan struct{})}
	r.mu.Lock()
	r.handles[workflowID] = h
	r.mu.Unlock()
	return h
}

func (r *runRegistry) finish(workflowID string, h *runHandle, err error) {
	h.err = err
	close(h.done)
}

var defaultRegistry = newRunRegistry()

// Start creates a fresh workflow and schedules body for execution on a
// background goroutine, returning the assigned workflow_id immediately per
// spec §4.9. It does not wait for body to finish; use Status to observe
// progress.
func (e *Engine) Start(ctx context.Context, workflowName string, input map[string]any, cfg StartConfig, body WorkflowFunc) (string, error) {
	workflowID := cfg.WorkflowID
	if workflowID == "" {
		workflowID = NewWorkflowID()
	}
	ownerID := cfg.OwnerID
	if ownerID == "" {
		ownerID = NewWorkflowID()
	}

	metadata := map[string]any{"workflow_name": workflowName, "started_at": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range cfg.Tags {
		metadata[k] = v
	}

	initial, err := NewWorkflowState(workflowID, cfg.OrgID, input, metadata)
	if err != nil {
		return "", err
	}

	handle := defaultRegistry.register(workflowID)
	go func() {
		restored := Restored{State: initial}
		err := e.run(context.Background(), workflowID, cfg.OrgID, ownerID, restored, body)
		defaultRegistry.finish(workflowID, handle, err)
	}()

	return workflowID, nil
}

// Resume re-enters the workflow runtime for an existing workflow per spec
// §4.9: it rebuilds state via Restore and continues body from there. Returns
// ErrWorkflowAlreadyCompleted without scheduling anything if the workflow
// has already reached a terminal event.
func (e *Engine) Resume(ctx context.Context, workflowID, orgID, ownerID string, body WorkflowFunc) error {
	restored, err := e.recovery.Restore(ctx, workflowID, orgID)
	if err != nil {
		return err
	}
	if restored.Terminal {
		return ErrWorkflowAlreadyCompleted
	}
	if ownerID == "" {
		ownerID = NewWorkflowID()
	}

	handle := defaultRegistry.register(workflowID)
	go func() {
		err := e.run(context.Background(), workflowID, orgID, ownerID, restored, body)
		defaultRegistry.finish(workflowID, handle, err)
	}()
	return nil
}

// Status returns the derived status of workflowID: lease state, event and
// snapshot counts, current step, and savepoint list length, per spec §4.9.
func (e *Engine) Status(ctx context.Context, workflowID, orgID string) (Status, error) {
	restored, err := e.recovery.Restore(ctx, workflowID, orgID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		WorkflowID: workflowID,
		OrgID:      orgID,
		StepNumber: restored.State.StepNumber,
	}

	switch {
	case restored.Terminal && restored.TerminalReason == EventWorkflowCompleted:
		status.Phase = "completed"
	case restored.Terminal && restored.TerminalReason == EventWorkflowCancelled:
		status.Phase = "cancelled"
	default:
		status.Phase = "suspended"
	}

	if lease, found, err := e.Leases.Get(ctx, workflowID); err == nil && found {
		status.LeaseHeld = !lease.Expired(time.Now())
		status.LeaseOwnerID = lease.OwnerID
		if status.LeaseHeld && status.Phase == "suspended" {
			status.Phase = "running"
		}
	}

	tail, err := e.Journal.Tail(ctx, workflowID)
	if err == nil {
		status.EventCount = tail
	}

	if snaps, err := e.Snapshots.List(ctx, workflowID); err == nil {
		status.SnapshotCount = len(snaps)
	}

	savepoints, err := e.ListSavepoints(ctx, workflowID)
	if err == nil {
		status.SavepointCount = len(savepoints)
	}

	return status, nil
}

// ListSavepoints returns every savepoint_created event recorded for
// workflowID, in journal order.
func (e *Engine) ListSavepoints(ctx context.Context, workflowID string) ([]SavepointCreatedPayload, error) {
	events, err := e.Journal.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		return nil, err
	}
	var savepoints []SavepointCreatedPayload
	for _, ev := range events {
		if ev.EventType != EventSavepointCreated {
			continue
		}
		var payload SavepointCreatedPayload
		if err := decodePayload(ev, &payload); err != nil {
			return nil, err
		}
		savepoints = append(savepoints, payload)
	}
	return savepoints, nil
}

// TimeTravel creates a new workflow id whose initial state is the state
// captured at savepointID's snapshot, per spec §4.9. The original
// workflow's journal and idempotency table are untouched; the new
// workflow's journal and idempotency table start empty.
func (e *Engine) TimeTravel(ctx context.Context, workflowID, orgID, savepointID string) (string, error) {
	snap, found, err := e.Snapshots.Get(ctx, savepointID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrInvalidSavepoint
	}
	state, err := snap.DecodeState(e.Blobs)
	if err != nil {
		return "", err
	}

	newWorkflowID := NewWorkflowID()
	branched := state
	branched.WorkflowID = newWorkflowID
	checksum, err := branched.ComputeChecksum()
	if err != nil {
		return "", err
	}
	branched.Checksum = checksum

	branchSnap, err := NewSnapshot(branched, 0, e.config.InlineSnapshotThreshold, e.Blobs)
	if err != nil {
		return "", err
	}
	if err := e.Snapshots.Put(ctx, branchSnap); err != nil {
		return "", err
	}

	return newWorkflowID, nil
}

// Cancel appends a workflow_cancelled event for workflowID, per spec §4.9.
// An in-flight executor detects it on its next heartbeat cycle and aborts.
func (e *Engine) Cancel(ctx context.Context, workflowID, orgID, reason string) error {
	lease, found, err := e.Leases.Get(ctx, workflowID)
	var fencingToken int64
	if err == nil && found {
		fencingToken = lease.FencingToken
	}

	event, err := NewEvent(workflowID, orgID, EventWorkflowCancelled, WorkflowCancelledPayload{Reason: reason})
	if err != nil {
		return err
	}
	if _, err := e.Journal.Append(ctx, event, fencingToken); err != nil {
		return err
	}
	return nil
}
