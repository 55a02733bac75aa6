// Package wakeup carries "there is new work" hints from the API service to
// the worker. A lost hint only delays work until the next sweep.
package wakeup

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind names what the hint is about
type Kind string

const (
	KindJob      Kind = "job"
	KindWorkflow Kind = "workflow"
)

// Message is the body published to the jobs exchange
type Message struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Encode marshals m to JSON
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message body
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to parse wake-up message: %w", err)
	}

	switch m.Kind {
	case KindJob, KindWorkflow:
	default:
		return Message{}, fmt.Errorf("unknown wake-up kind %q", m.Kind)
	}

	if _, err := uuid.Parse(m.ID); err != nil {
		return Message{}, fmt.Errorf("invalid wake-up id %q: %w", m.ID, err)
	}

	return m, nil
}
