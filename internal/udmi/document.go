package udmi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedDocument is returned when a payload is not a JSON object.
var ErrMalformedDocument = errors.New("udmi: malformed document")

// Document is a parsed UDMI message: the top-level object with every sub-tree
// kept as raw JSON. Unknown keys survive a round trip untouched.
type Document map[string]json.RawMessage

// ParseDocument decodes a wire payload. The payload must be a JSON object.
func ParseDocument(payload []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: null payload", ErrMalformedDocument)
	}
	return doc, nil
}

// Clone returns a deep copy. Handlers each get their own copy so nothing they
// do can leak into another handler's view of the message.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Has reports whether key is present and not JSON null.
func (d Document) Has(key string) bool {
	raw, ok := d[key]
	return ok && string(raw) != "null"
}

// Decode unmarshals the sub-tree under key into v. A missing key leaves v
// untouched and returns nil.
func (d Document) Decode(key string, v any) error {
	raw, ok := d[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// Set encodes v as the sub-tree under key.
func (d Document) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	d[key] = raw
	return nil
}

// Timestamp returns the document's timestamp field, or the zero time.
func (d Document) Timestamp() time.Time {
	var ts time.Time
	if raw, ok := d[KeyTimestamp]; ok {
		_ = json.Unmarshal(raw, &ts)
	}
	return ts
}

// Marshal encodes the document back to wire form.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
