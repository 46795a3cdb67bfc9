package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event kinds the engine produces. The
// journal stores do not check it: Append persists whatever EventType an
// event carries.
type EventType string

const (
	EventStepIntention     EventType = "step_intention"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventSavepointCreated  EventType = "savepoint_created"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// CurrentSchemaVersion and CurrentProducerVersion stamp every event this
// engine produces. Bumping either is a deliberate, reviewed change: replay
// must keep understanding every schema version a journal may still contain.
const (
	CurrentSchemaVersion   = 1
	CurrentProducerVersion = "corewf/1"
)

// Event is the immutable, checksummed record stored in the journal. See
// spec §3 "Event" for the full invariant: for a given WorkflowID, EventSeq
// forms a contiguous sequence beginning at 1.
type Event struct {
	EventID         string          `json:"event_id"`
	WorkflowID      string          `json:"workflow_id"`
	OrgID           string          `json:"org_id"`
	EventSeq        int64           `json:"event_seq"`
	EventType       EventType       `json:"event_type"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
	SchemaVersion   int             `json:"schema_version"`
	ProducerVersion string          `json:"producer_version"`
	Checksum        string          `json:"checksum"`
}

// checksumFields is the canonical-encode target for Event.Checksum: every
// field except Checksum itself, in a stable shape independent of the Go
// struct's field order.
type checksumFields struct {
	EventID         string          `json:"event_id"`
	WorkflowID      string          `json:"workflow_id"`
	OrgID           string          `json:"org_id"`
	EventSeq        int64           `json:"event_seq"`
	EventType       EventType       `json:"event_type"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
	SchemaVersion   int             `json:"schema_version"`
	ProducerVersion string          `json:"producer_version"`
}

// ComputeChecksum recomputes Event.Checksum from every other field. Callers
// must call this (and assign the result) before persisting any event;
// nothing in this package trusts a Checksum that was not just recomputed on
// the write path.
func (e Event) ComputeChecksum() (string, error) {
	return Checksum(checksumFields{
		EventID:         e.EventID,
		WorkflowID:      e.WorkflowID,
		OrgID:           e.OrgID,
		EventSeq:        e.EventSeq,
		EventType:       e.EventType,
		Timestamp:       e.Timestamp,
		Payload:         e.Payload,
		SchemaVersion:   e.SchemaVersion,
		ProducerVersion: e.ProducerVersion,
	})
}

// VerifyChecksum reports whether e.Checksum matches the checksum computed
// from e's other fields right now.
func (e Event) VerifyChecksum() (bool, error) {
	// A payload that is no longer valid JSON cannot be re-encoded, and
	// cannot match the checksum computed when it was written.
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return false, nil
	}
	want, err := e.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return want == e.Checksum, nil
}

// Event payload schemas, fixed per spec §6.

type StepIntentionPayload struct {
	StepID       string `json:"step_id"`
	StepName     string `json:"step_name"`
	AttemptID    int    `json:"attempt_id"`
	FencingToken int64  `json:"fencing_token"`
}

type StepCompletedPayload struct {
	StepID           string     `json:"step_id"`
	AttemptID        int        `json:"attempt_id"`
	StateDelta       StateDelta `json:"state_delta"`
	NewStateChecksum string     `json:"new_state_checksum"`
	DurationMS       int64      `json:"duration_ms"`
}

type StepFailedPayload struct {
	StepID    string `json:"step_id"`
	AttemptID int    `json:"attempt_id"`
	ErrorKind string `json:"error_kind"`
	ErrorMsg  string `json:"error_message"`
}

type SavepointCreatedPayload struct {
	SavepointID string   `json:"savepoint_id"`
	StepNumber  int      `json:"step_number"`
	GoalSummary string   `json:"goal_summary"`
	Hypotheses  []string `json:"hypotheses"`
	Questions   []string `json:"questions"`
	Decisions   []string `json:"decisions"`
	NextStep    string   `json:"next_step"`
	SnapshotRef string   `json:"snapshot_ref"`
}

type WorkflowCompletedPayload struct {
	FinalStateChecksum string `json:"final_state_checksum"`
}

type WorkflowCancelledPayload struct {
	Reason string `json:"reason"`
}

// encodePayload marshals a payload struct to the json.RawMessage stored on
// Event.Payload.
func encodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// decodePayload unmarshals an event's payload into dst, which must be a
// pointer to one of the *Payload types above matching e.EventType.
func decodePayload(e Event, dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// NewEvent builds an event of the given type for workflowID, ready to hand
// to a JournalStore.Append. EventSeq is left at zero, so the checksum
// computed here is only a placeholder: Append assigns the real EventSeq
// atomically and must recompute and reassign Checksum afterward, since
// checksumFields includes EventSeq.
func NewEvent(workflowID, orgID string, eventType EventType, payload any) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		EventID:         NewEventID(),
		WorkflowID:      workflowID,
		OrgID:           orgID,
		EventType:       eventType,
		Timestamp:       time.Now().UTC(),
		Payload:         raw,
		SchemaVersion:   CurrentSchemaVersion,
		ProducerVersion: CurrentProducerVersion,
	}
	sum, err := e.ComputeChecksum()
	if err != nil {
		return Event{}, err
	}
	e.Checksum = sum
	return e, nil
}
