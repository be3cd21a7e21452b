package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// marshalJSON encodes v as compact JSON TEXT for storage.
// HTML escaping is disabled so stored bodies match what the CLI prints.
// Stored bodies are not hashed; digests always go through ir.MarshalCanonical.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unmarshalJSON decodes stored JSON TEXT into v. Numbers are kept as
// json.Number where v has interface-typed fields.
func unmarshalJSON(data string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
