package models

import (
	"encoding/json"
	"fmt"
)

// Note is one entry of a composition's note list. The shape belongs to
// clients: every field is kept exactly as it was sent, and the server only
// reads the id.
type Note map[string]json.RawMessage

// NewNote builds a note from Go values.
func NewNote(fields map[string]any) (Note, error) {
	n := make(Note, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("note field %q: %w", k, err)
		}
		n[k] = raw
	}
	return n, nil
}

// MustNote is like NewNote but panics on a field that cannot be encoded.
func MustNote(fields map[string]any) Note {
	n, err := NewNote(fields)
	if err != nil {
		panic(err)
	}
	return n
}

// ID returns the note's id, or "" when it has none or it is not a string.
func (n Note) ID() string {
	return n.Text("id")
}

// Text returns a string field, or "" when the field is absent or not a string.
func (n Note) Text(key string) string {
	var s string
	if err := json.Unmarshal(n[key], &s); err != nil {
		return ""
	}
	return s
}

// Field decodes one field into v.
func (n Note) Field(key string, v any) error {
	raw, ok := n[key]
	if !ok {
		return fmt.Errorf("note has no field %q", key)
	}
	return json.Unmarshal(raw, v)
}
