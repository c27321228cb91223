package workflow

import (
	"encoding/json"
	"fmt"
)

// Encode marshals v to the raw JSON bytes the engine persists. Every
// primitive's input/output crosses this single codec so the wire format
// is uniform regardless of which primitive produced it; persisted rows
// (instances, signals, lease records) use the same encoding.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals raw into out.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("workflow: decode: %w", err)
	}
	return nil
}

// DecodeAs is the generic counterpart to Decode, returning a freshly
// allocated T instead of writing through a pointer.
func DecodeAs[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("workflow: decode: %w", err)
	}
	return out, nil
}
