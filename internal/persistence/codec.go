package persistence

import "encoding/json"

// Payloads (run inputs, step params, step outputs) cross the store
// boundary as JSON. Module capabilities exchange JSON-shaped data with
// external integrations anyway, so the stored form matches the wire form.

// EncodeMap serializes a payload map. A nil map encodes to nil so the
// column stays NULL.
func EncodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// DecodeMap deserializes a payload column. Empty data decodes to nil.
func DecodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeDefinition serializes a workflow definition document.
func EncodeDefinition(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeDefinition deserializes a workflow definition document into dst.
func DecodeDefinition(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}
