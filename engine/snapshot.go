package engine

import "time"

// InlineSnapshotThreshold is the default size, in bytes, above which a
// snapshot's state is written to external blob storage instead of being
// stored inline. See spec §3 "Snapshot".
const InlineSnapshotThreshold = 100 * 1024

// Snapshot is a step-keyed, immutable state blob indexed by the highest
// event sequence it covers. See spec §3 "Snapshot" and §4.3.
type Snapshot struct {
	SnapshotID   string    `json:"snapshot_id"`
	WorkflowID   string    `json:"workflow_id"`
	OrgID        string    `json:"org_id"`
	StepNumber   int       `json:"step_number"`
	LastEventSeq int64     `json:"last_event_seq"`
	// StateInline holds the canonical-encoded state when it fits under
	// InlineSnapshotThreshold; empty when StateExternalRef is set instead.
	StateInline []byte `json:"state_inline,omitempty"`
	// StateExternalRef is an opaque reference into external blob storage,
	// set when the encoded state exceeds InlineSnapshotThreshold.
	StateExternalRef string    `json:"state_external_ref,omitempty"`
	StateChecksum    string    `json:"state_checksum"`
	CreatedAt        time.Time `json:"created_at"`
	// SavepointRef, if non-empty, is the SavepointID of the savepoint_created
	// event written together with this snapshot. Recovery copies it into
	// Restored.SavepointRef rather than changing workflow state.
	SavepointRef string `json:"savepoint_ref,omitempty"`
}

// IsExternal reports whether this snapshot's state lives in blob storage.
func (s Snapshot) IsExternal() bool { return s.StateExternalRef != "" }

// BlobStore is the narrow interface a SnapshotStore uses to persist state
// blobs that exceed InlineSnapshotThreshold. Kept separate from
// SnapshotStore so an implementer can point it at S3, GCS, or any other
// object store without the engine depending on a specific SDK.
type BlobStore interface {
	// Put writes data under ref and returns the (possibly rewritten)
	// reference to store in Snapshot.StateExternalRef.
	Put(ref string, data []byte) (string, error)
	// Get reads back data previously stored under ref.
	Get(ref string) ([]byte, error)
}

// NewSnapshot builds a Snapshot from state, splitting to blob storage via
// blobs when the canonical encoding exceeds threshold. blobs may be nil if
// the caller knows state will never exceed threshold (e.g. tests).
func NewSnapshot(state WorkflowState, lastEventSeq int64, threshold int, blobs BlobStore) (Snapshot, error) {
	encoded, err := CanonicalEncode(state)
	if err != nil {
		return Snapshot{}, err
	}
	if threshold <= 0 {
		threshold = InlineSnapshotThreshold
	}

	snap := Snapshot{
		SnapshotID:    NewSnapshotID(),
		WorkflowID:    state.WorkflowID,
		OrgID:         state.OrgID,
		StepNumber:    state.StepNumber,
		LastEventSeq:  lastEventSeq,
		StateChecksum: state.Checksum,
		CreatedAt:     time.Now().UTC(),
	}

	if len(encoded) <= threshold || blobs == nil {
		snap.StateInline = encoded
		return snap, nil
	}

	ref, err := blobs.Put(snap.SnapshotID, encoded)
	if err != nil {
		return Snapshot{}, newEngineError("SnapshotStorageError", err)
	}
	snap.StateExternalRef = ref
	return snap, nil
}

// DecodeState loads and verifies the WorkflowState captured by s, reading
// from blob storage first if the snapshot is external. Returns
// ErrSnapshotCorrupted if the decoded state's checksum does not match
// s.StateChecksum.
func (s Snapshot) DecodeState(blobs BlobStore) (WorkflowState, error) {
	raw := s.StateInline
	if s.IsExternal() {
		if blobs == nil {
			return WorkflowState{}, newEngineError("SnapshotStorageError", ErrSnapshotCorrupted)
		}
		data, err := blobs.Get(s.StateExternalRef)
		if err != nil {
			return WorkflowState{}, newEngineError("SnapshotStorageError", err)
		}
		raw = data
	}

	var state WorkflowState
	if err := decodeJSON(raw, &state); err != nil {
		return WorkflowState{}, newEngineError("SnapshotCorrupted", err)
	}

	ok, err := state.VerifyChecksum()
	if err != nil {
		return WorkflowState{}, err
	}
	if !ok || state.Checksum != s.StateChecksum {
		return WorkflowState{}, ErrSnapshotCorrupted
	}
	return state, nil
}
