package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MergeMetadata overlays patch onto the existing metadata document. When the
// existing value is not a JSON object (absent, null, scalar, array or invalid)
// it is replaced by a fresh document built from the patch.
func MergeMetadata(existing json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	doc := map[string]any{}
	if base, ok := decodeDocument(existing); ok {
		doc = base
	}
	for k, v := range patch {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return out, nil
}

// IsDocument reports whether raw holds a JSON object.
func IsDocument(raw json.RawMessage) bool {
	_, ok := decodeDocument(raw)
	return ok
}

func decodeDocument(raw json.RawMessage) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(trimmed, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}
