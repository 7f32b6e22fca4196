package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/stateflow-go/flow/store"
)

// Value encoding and decoding between user-facing Go values and the
// store's canonical JSON.

// encodeValue marshals a user value to canonical JSON after checking the
// shape: maps must be string-keyed at every level, and the value must be
// JSON-representable. encoding/json sorts map keys, so equal values
// always produce equal bytes.
func encodeValue(v any) (json.RawMessage, error) {
	if err := checkShape(v); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValueShape, err)
	}
	return raw, nil
}

// encodeMetadata marshals a metadata map, returning nil for an empty or
// nil map.
func encodeMetadata(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return encodeValue(m)
}

// checkShape walks the value rejecting non-string map keys before the
// marshaler turns them into something surprising (or an error with a
// less useful message).
func checkShape(v any) error {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.RawMessage:
		return nil
	case map[string]any:
		for _, elem := range t {
			if err := checkShape(elem); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, elem := range t {
			if err := checkShape(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		// Structs, typed slices and maps: let the marshaler decide, but
		// reject maps with non-string keys up front.
		if isNonStringKeyedMap(v) {
			return fmt.Errorf("%w: map key type must be string", ErrInvalidValueShape)
		}
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValueShape, err)
		}
		return nil
	}
}

func isNonStringKeyedMap(v any) bool {
	// json.Marshal accepts integer-keyed maps; the store does not, since
	// a decode round-trip would silently change the key type.
	switch v.(type) {
	case map[int]any, map[int64]any, map[any]any:
		return true
	}
	return false
}

// decodeValue unmarshals canonical JSON to the generic Go form
// (map[string]any, []any, float64, string, bool, nil).
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

func decodeMetadata(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// viewOf converts a store row to the user-facing form.
func viewOf(v store.Value) (ValueView, error) {
	val, err := decodeValue(v.NodeValue)
	if err != nil {
		return ValueView{}, fmt.Errorf("node %q: %w", v.NodeName, err)
	}
	meta, err := decodeMetadata(v.Metadata)
	if err != nil {
		return ValueView{}, fmt.Errorf("node %q: %w", v.NodeName, err)
	}
	return ValueView{
		Name:     v.NodeName,
		Value:    val,
		Metadata: meta,
		SetTime:  v.SetTime,
		Revision: v.ExRevision,
	}, nil
}

// snapshotViews converts a value list to a name-keyed view map.
func snapshotViews(values []store.Value) (map[string]ValueView, error) {
	out := make(map[string]ValueView, len(values))
	for _, v := range values {
		view, err := viewOf(v)
		if err != nil {
			return nil, err
		}
		out[v.NodeName] = view
	}
	return out, nil
}

// providedValues extracts the set slots as a name → decoded payload map,
// the Params.Values snapshot handed to user functions.
func providedValues(views map[string]ValueView) map[string]any {
	out := make(map[string]any)
	for name, v := range views {
		if v.Provided() {
			out[name] = v.Value
		}
	}
	return out
}

// inputNames returns the sorted input node names, for error messages.
func inputNames(g *Graph) string {
	var names []string
	for _, n := range g.Nodes() {
		if n.Type == store.NodeInput {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
