package domain

import (
	"encoding/json"
	"fmt"
)

// Fields converts a model into the flat field map the document store persists.
// The envelope fields (id, rev, createdAt, updatedAt) are owned by the store
// and stripped here so they cannot drift from the envelope.
func Fields(model any) (map[string]any, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode model fields: %w", err)
	}
	delete(fields, "id")
	delete(fields, "rev")
	delete(fields, "createdAt")
	delete(fields, "updatedAt")
	return fields, nil
}

// Decode fills a model from a stored field map.
func Decode(fields map[string]any, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	return nil
}
