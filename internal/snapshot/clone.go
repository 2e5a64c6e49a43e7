package snapshot

import (
	"fmt"

	"github.com/lamim/docforge/pkg/models"
)

// Clone returns a deep, by-value copy of data so later edits to the source
// cannot reach the snapshot. Numbers come back as json.Number.
func Clone(data models.FormData) (models.FormData, error) {
	if data == nil {
		return models.FormData{}, nil
	}

	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal form data: %w", err)
	}

	out := models.FormData{}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal form data: %w", err)
	}
	return out, nil
}

// Normalize converts an arbitrary Go value (struct, typed map or slice) into
// the generic JSON tree of map[string]any, []any and scalars
func Normalize(v any) (any, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var out any
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// Decode parses a JSON document into form data
func Decode(raw []byte) (models.FormData, error) {
	out := models.FormData{}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode form data: %w", err)
	}
	return out, nil
}

// Encode renders form data as canonical (sorted-key) JSON
func Encode(data models.FormData) ([]byte, error) {
	if data == nil {
		data = models.FormData{}
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode form data: %w", err)
	}
	return raw, nil
}

// EncodeValue renders a single form value as canonical JSON
func EncodeValue(v any) ([]byte, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return raw, nil
}
