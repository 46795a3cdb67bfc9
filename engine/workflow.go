package engine

import (
	"context"
	"sync"
	"time"

	"github.com/distflow/corewf/engine/emit"
)

// run drives one workflow execution from lease acquisition through a
// terminal outcome, per spec §4.8. ownerID identifies this executor.
// restored is the state to continue from (fresh or recovered); body is the
// user's workflow function.
func (e *Engine) run(ctx context.Context, workflowID, orgID, ownerID string, restored Restored, body WorkflowFunc) error {
	if restored.Terminal {
		return ErrWorkflowAlreadyCompleted
	}

	if e.config.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunWallClockBudget)
		defer cancel()
	}

	lease, err := e.Leases.Acquire(ctx, workflowID, ownerID, e.config.LeaseTTL)
	if err != nil {
		e.emit(emit.Event{WorkflowID: workflowID, Msg: "lease_locked"})
		return err
	}
	e.emit(emit.Event{WorkflowID: workflowID, Msg: "lease_acquired", Meta: map[string]any{"fencing_token": lease.FencingToken}})

	// Start's input and metadata are not journaled, so a workflow with no
	// events and no snapshot yet gets its initial state stored as a snapshot
	// at seq 0, which Restore then seeds replay from.
	if restored.LastEventSeq == 0 {
		_, found, err := e.Snapshots.GetLatest(ctx, workflowID, 0)
		if err == nil && !found {
			var snap Snapshot
			if snap, err = NewSnapshot(restored.State, 0, e.config.InlineSnapshotThreshold, e.Blobs); err == nil {
				err = e.Snapshots.Put(ctx, snap)
			}
		}
		if err != nil {
			_ = e.Leases.Release(context.Background(), lease)
			return err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	wc := &WorkflowContext{
		ctx:          runCtx,
		engine:       e,
		workflowID:   workflowID,
		orgID:        orgID,
		fencingToken: lease.FencingToken,
		state:        restored.State,
	}

	hb := &heartbeatLoop{engine: e, lease: lease, cancel: cancelRun, wc: wc, lastSeenSeq: restored.LastEventSeq}
	hb.start(runCtx)
	defer hb.stop()

	bodyErr := body(wc)

	// Release is best-effort: if the lease was already fenced out from
	// under us the row no longer matches and Release is a documented no-op.
	currentLease := hb.currentLease()

	if bodyErr != nil {
		if wc.Cancelled() && runCtx.Err() != nil && ctx.Err() == nil {
			// Cancellation driven by the heartbeat loop: the lease was fenced
			// or a workflow_cancelled event was found in the journal. Nothing
			// further is appended and the lease is left to expire; the next
			// executor resumes from the last durable step.
			return bodyErr
		}
		_ = e.Leases.Release(context.Background(), currentLease)
		return bodyErr
	}

	completedPayload := WorkflowCompletedPayload{FinalStateChecksum: wc.state.Checksum}
	event, err := NewEvent(workflowID, orgID, EventWorkflowCompleted, completedPayload)
	if err != nil {
		return err
	}
	if _, err := e.Journal.Append(context.Background(), event, wc.fencingToken); err != nil {
		return err
	}
	_ = e.Leases.Release(context.Background(), currentLease)
	e.emit(emit.Event{WorkflowID: workflowID, StepNumber: wc.state.StepNumber, Msg: "workflow_completed"})
	return nil
}

// heartbeatLoop renews a lease at TTL/3 cadence on a background goroutine
// and cancels the owning context the moment a heartbeat is rejected, per
// spec §4.4 and §4.8 step 3.
type heartbeatLoop struct {
	engine *Engine
	cancel context.CancelFunc
	wc     *WorkflowContext

	mu          sync.Mutex
	lease       Lease
	lastSeenSeq int64

	done chan struct{}
	wg   sync.WaitGroup
}

func (h *heartbeatLoop) currentLease() Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

func (h *heartbeatLoop) start(ctx context.Context) {
	interval := h.engine.config.resolveHeartbeatInterval()
	if interval <= 0 {
		interval = h.engine.config.LeaseTTL / 3
	}
	h.done = make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-ticker.C:
				lease := h.currentLease()
				renewed, err := h.engine.Leases.Heartbeat(ctx, lease, h.engine.config.LeaseTTL)
				if err != nil {
					h.engine.emit(emit.Event{WorkflowID: lease.WorkflowID, Msg: "fenced", Meta: map[string]any{"op": "heartbeat"}})
					h.cancel()
					return
				}
				h.mu.Lock()
				h.lease = renewed
				h.mu.Unlock()

				if h.pollCancellation(ctx) {
					h.wc.cancelled = true
					h.cancel()
					return
				}
			}
		}
	}()
}

// pollCancellation checks for a workflow_cancelled event appended since the
// last poll, per spec §5: "the lease heartbeat loop polls for cancellation
// on each cycle".
func (h *heartbeatLoop) pollCancellation(ctx context.Context) bool {
	tail, err := h.engine.Journal.Tail(ctx, h.wc.workflowID)
	if err != nil || tail <= h.lastSeenSeq {
		return false
	}
	events, err := h.engine.Journal.ReadRange(ctx, h.wc.workflowID, h.lastSeenSeq+1, tail)
	h.lastSeenSeq = tail
	if err != nil {
		return false
	}
	for _, ev := range events {
		if ev.EventType == EventWorkflowCancelled {
			return true
		}
	}
	return false
}

func (h *heartbeatLoop) stop() {
	if h.done != nil {
		close(h.done)
	}
	h.wg.Wait()
}
