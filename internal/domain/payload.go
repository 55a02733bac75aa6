package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload is an opaque structured map. It is stored as JSON text and
// parsed back on read.
type Payload map[string]any

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	// lib/pq sends []byte as bytea, which JSONB columns reject
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}

	if len(data) == 0 {
		*p = nil
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	*p = m
	return nil
}

// Clone returns a deep copy made through a JSON round trip, so callers
// can mutate the copy without touching persisted state.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		out := make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
