package engine

import (
	"context"
	"fmt"
)

// SnapshotStore is the persistence boundary for step-keyed state blobs, per
// spec §3 "Snapshot" and §4.3.
type SnapshotStore interface {
	// Put is idempotent with respect to snap.SnapshotID.
	Put(ctx context.Context, snap Snapshot) error
	// Get returns a snapshot by id, used by TimeTravel.
	Get(ctx context.Context, snapshotID string) (Snapshot, bool, error)
	// GetLatest returns the snapshot with the greatest LastEventSeq <=
	// maxSeq, or found=false if none exists.
	GetLatest(ctx context.Context, workflowID string, maxSeq int64) (Snapshot, bool, error)
	// List returns all snapshots for workflowID in descending LastEventSeq
	// order.
	List(ctx context.Context, workflowID string) ([]Snapshot, error)
}

// Recovery rebuilds workflow state from a snapshot plus journal replay, per
// spec §4.6. It is a pure function of its stores: given the same journal and
// snapshot contents it always produces the same state, and it can run
// against a read replica.
type Recovery struct {
	Journal   JournalStore
	Snapshots SnapshotStore
	Blobs     BlobStore
}

// NewRecovery constructs a Recovery engine over the given stores. blobs may
// be nil if no snapshot is ever externalized.
func NewRecovery(journal JournalStore, snapshots SnapshotStore, blobs BlobStore) *Recovery {
	return &Recovery{Journal: journal, Snapshots: snapshots, Blobs: blobs}
}

// Restored is the result of a successful Restore: the rebuilt state plus
// bookkeeping the workflow runtime and public commands need.
type Restored struct {
	State          WorkflowState
	LastEventSeq   int64
	Terminal       bool
	TerminalReason EventType
	SavepointRef   string
}

// Restore rebuilds and validates the state of workflowID per spec §4.6:
// start from the latest snapshot at or before the target, replay journal
// events after it, and fail closed on any integrity mismatch.
func (r *Recovery) Restore(ctx context.Context, workflowID, orgID string) (Restored, error) {
	return r.restoreThrough(ctx, workflowID, orgID, 0)
}

// RestoreAt rebuilds state as of maxSeq (inclusive). A maxSeq of 0 or less
// restores through the journal's tail, as Restore does.
func (r *Recovery) RestoreAt(ctx context.Context, workflowID, orgID string, maxSeq int64) (Restored, error) {
	return r.restoreThrough(ctx, workflowID, orgID, maxSeq)
}

func (r *Recovery) restoreThrough(ctx context.Context, workflowID, orgID string, maxSeq int64) (Restored, error) {
	var (
		state    WorkflowState
		baseSeq  int64
		savepoint string
	)

	effectiveMax := maxSeq
	if effectiveMax <= 0 {
		tail, err := r.Journal.Tail(ctx, workflowID)
		if err != nil {
			return Restored{}, newEngineError("RecoveryFailed", err)
		}
		effectiveMax = tail
	}

	snap, found, err := r.Snapshots.GetLatest(ctx, workflowID, effectiveMax)
	if err != nil {
		return Restored{}, newEngineError("RecoveryFailed", err)
	}
	if found {
		decoded, err := snap.DecodeState(r.Blobs)
		if err != nil {
			return Restored{}, err
		}
		state = decoded
		baseSeq = snap.LastEventSeq
		savepoint = snap.SavepointRef
	} else {
		initial, err := NewWorkflowState(workflowID, orgID, nil, nil)
		if err != nil {
			return Restored{}, err
		}
		state = initial
		baseSeq = 0
	}

	events, err := r.Journal.ReadRange(ctx, workflowID, baseSeq+1, effectiveMax)
	if err != nil {
		return Restored{}, newEngineError("RecoveryFailed", err)
	}

	result := Restored{State: state, LastEventSeq: baseSeq, SavepointRef: savepoint}

	var lastCompletedChecksum string
	expectedSeq := baseSeq + 1
	for _, ev := range events {
		ok, err := ev.VerifyChecksum()
		if err != nil {
			return Restored{}, newEngineError("RecoveryFailed", err)
		}
		if !ok {
			return Restored{}, ErrChecksumMismatch
		}
		if ev.EventSeq != expectedSeq {
			return Restored{}, ErrEventSequenceGap
		}
		expectedSeq++

		if result.Terminal {
			return Restored{}, newEngineError("RecoveryFailed", fmt.Errorf("event %d after terminal event", ev.EventSeq))
		}

		switch ev.EventType {
		case EventStepCompleted:
			var payload StepCompletedPayload
			if err := decodePayload(ev, &payload); err != nil {
				return Restored{}, newEngineError("RecoveryFailed", err)
			}
			result.State.Variables = payload.StateDelta.Apply(result.State.Variables)
			result.State.StepNumber++
			sum, err := result.State.ComputeChecksum()
			if err != nil {
				return Restored{}, err
			}
			result.State.Checksum = sum
			if result.State.Checksum != payload.NewStateChecksum {
				return Restored{}, ErrChecksumMismatch
			}
			lastCompletedChecksum = payload.NewStateChecksum
		case EventSavepointCreated:
			var payload SavepointCreatedPayload
			if err := decodePayload(ev, &payload); err != nil {
				return Restored{}, newEngineError("RecoveryFailed", err)
			}
			result.SavepointRef = payload.SavepointID
		case EventStepIntention, EventStepFailed:
			// no state effect; counted for observability only
		case EventWorkflowCompleted:
			result.Terminal = true
			result.TerminalReason = EventWorkflowCompleted
		case EventWorkflowCancelled:
			result.Terminal = true
			result.TerminalReason = EventWorkflowCancelled
		}
		result.LastEventSeq = ev.EventSeq
	}

	if lastCompletedChecksum != "" && result.State.Checksum != lastCompletedChecksum {
		return Restored{}, ErrChecksumMismatch
	}

	return result, nil
}
