// Package engine implements the durable workflow execution core: an
// append-only event journal, an interleaved snapshot store, a fencing-token
// lease manager, and an exactly-once-commit step runtime.
package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalEncode produces a deterministic byte encoding of v: map keys are
// sorted lexicographically at every level, there is no insignificant
// whitespace, and numbers use Go's fixed json.Marshal form. Two calls with
// logically identical content always produce byte-identical output, which is
// the property Checksum and every integrity check in this package depend on.
func CanonicalEncode(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through encoding/json into generic
// map[string]any/[]any/scalar values so that marshaling again walks maps in
// Go's already-sorted-key order, and so struct field order never leaks into
// the encoding.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

// sortValue recursively rewrites maps into a stable structure. json.Marshal
// already sorts map[string]any keys, so the real work here is recursing into
// nested maps/slices that came from json.Number so formatting stays fixed.
func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortValue(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortValue(e)
		}
		return out
	default:
		return v
	}
}

// Checksum returns the SHA-256 checksum of v's canonical encoding, as a
// hex-lowercase string. It is the single checksum primitive used across
// events, workflow states, and snapshots: any two implementations that agree
// on CanonicalEncode will agree on Checksum.
func Checksum(v any) (string, error) {
	encoded, err := CanonicalEncode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum reports whether want equals the checksum computed for v.
func VerifyChecksum(v any, want string) (bool, error) {
	got, err := Checksum(v)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
