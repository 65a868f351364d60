package collab

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Canonicalize returns the stored form of a snapshot: the JSON value with
// insignificant whitespace removed. It is idempotent.
func Canonicalize(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", &SerializationError{Err: errors.New("empty snapshot")}
	}
	if !json.Valid(trimmed) {
		return "", &SerializationError{Err: errors.New("snapshot is not valid JSON")}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", &SerializationError{Err: err}
	}
	return buf.String(), nil
}
