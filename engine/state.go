package engine

import "sort"

// WorkflowState is the reconstructible, checksummed state of a workflow. It
// is never the authoritative source of truth on its own — the journal is —
// but it is what Restore returns and what the step runtime mutates step by
// step. See spec §3 "Workflow state".
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	OrgID      string         `json:"org_id"`
	StepNumber int            `json:"step_number"`
	Variables  map[string]any `json:"variables"`
	Metadata   map[string]any `json:"metadata"`
	Version    int            `json:"version"`
	Checksum   string         `json:"checksum"`
}

// checksumStateFields mirrors WorkflowState minus Checksum, the canonical
// encode target for ComputeChecksum.
type checksumStateFields struct {
	WorkflowID string         `json:"workflow_id"`
	OrgID      string         `json:"org_id"`
	StepNumber int            `json:"step_number"`
	Variables  map[string]any `json:"variables"`
	Metadata   map[string]any `json:"metadata"`
	Version    int            `json:"version"`
}

// ComputeChecksum recomputes the checksum over every field of s except
// Checksum itself. Any mutation to Variables, Metadata or StepNumber must be
// followed by reassigning s.Checksum from this before the state is
// persisted or compared.
func (s WorkflowState) ComputeChecksum() (string, error) {
	return Checksum(checksumStateFields{
		WorkflowID: s.WorkflowID,
		OrgID:      s.OrgID,
		StepNumber: s.StepNumber,
		Variables:  s.Variables,
		Metadata:   s.Metadata,
		Version:    s.Version,
	})
}

// VerifyChecksum reports whether s.Checksum matches what ComputeChecksum
// produces right now.
func (s WorkflowState) VerifyChecksum() (bool, error) {
	want, err := s.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return want == s.Checksum, nil
}

// NewWorkflowState constructs the fresh initial state for a Start command:
// step_number 0, variables seeded with {"input": input}, and metadata
// carrying the workflow name, start time, and any caller-supplied tags.
func NewWorkflowState(workflowID, orgID string, input map[string]any, metadata map[string]any) (WorkflowState, error) {
	vars := map[string]any{"input": copyMap(input)}
	s := WorkflowState{
		WorkflowID: workflowID,
		OrgID:      orgID,
		StepNumber: 0,
		Variables:  vars,
		Metadata:   copyMap(metadata),
		Version:    CurrentSchemaVersion,
	}
	sum, err := s.ComputeChecksum()
	if err != nil {
		return WorkflowState{}, err
	}
	s.Checksum = sum
	return s, nil
}

// DeltaOp is one of the three operation kinds a StateDelta entry may carry.
type DeltaOp string

const (
	DeltaAdd     DeltaOp = "add"
	DeltaReplace DeltaOp = "replace"
	DeltaRemove  DeltaOp = "remove"
)

// DeltaEntry is a single canonically-ordered add/replace/remove operation
// against a top-level key of WorkflowState.Variables.
type DeltaEntry struct {
	Op    DeltaOp `json:"op"`
	Key   string  `json:"key"`
	Value any     `json:"value,omitempty"`
}

// StateDelta is the deterministic representation of the transformation from
// one state's Variables to the next, per spec §3 "State delta". Entries are
// always stored in ascending Key order so two deltas describing the same
// logical change encode identically.
type StateDelta struct {
	Entries []DeltaEntry `json:"entries"`
}

// ComputeDelta produces the canonically-ordered StateDelta transforming
// prevVars into nextVars: keys present in next but absent (or different) in
// prev become add/replace, keys present in prev but absent in next become
// remove.
func ComputeDelta(prevVars, nextVars map[string]any) (StateDelta, error) {
	keys := make(map[string]struct{})
	for k := range prevVars {
		keys[k] = struct{}{}
	}
	for k := range nextVars {
		keys[k] = struct{}{}
	}

	entries := make([]DeltaEntry, 0, len(keys))
	for k := range keys {
		prevV, inPrev := prevVars[k]
		nextV, inNext := nextVars[k]

		switch {
		case !inPrev && inNext:
			entries = append(entries, DeltaEntry{Op: DeltaAdd, Key: k, Value: nextV})
		case inPrev && !inNext:
			entries = append(entries, DeltaEntry{Op: DeltaRemove, Key: k})
		case inPrev && inNext:
			equal, err := valuesEqual(prevV, nextV)
			if err != nil {
				return StateDelta{}, err
			}
			if !equal {
				entries = append(entries, DeltaEntry{Op: DeltaReplace, Key: k, Value: nextV})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return StateDelta{Entries: entries}, nil
}

// valuesEqual compares two arbitrary JSON-serializable values by comparing
// their canonical encodings, since Go's == doesn't work across map/slice
// values and reflect.DeepEqual doesn't agree with JSON's notion of equality
// (e.g. int vs float64 after a round trip).
func valuesEqual(a, b any) (bool, error) {
	ea, err := CanonicalEncode(a)
	if err != nil {
		return false, err
	}
	eb, err := CanonicalEncode(b)
	if err != nil {
		return false, err
	}
	return string(ea) == string(eb), nil
}

// Apply merges delta into vars, returning a new map; vars itself is never
// mutated. Applying the sequence of deltas from the initial state's
// Variables reconstructs any later state's Variables, per spec §3.
func (d StateDelta) Apply(vars map[string]any) map[string]any {
	out := copyMap(vars)
	for _, entry := range d.Entries {
		switch entry.Op {
		case DeltaAdd, DeltaReplace:
			out[entry.Key] = entry.Value
		case DeltaRemove:
			delete(out, entry.Key)
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
