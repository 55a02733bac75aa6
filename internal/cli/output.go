package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobflow/internal/domain"
)

const defaultListLimit = 20

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printPayload(w io.Writer, label string, p domain.Payload) {
	if len(p) == 0 {
		return
	}
	data, err := json.MarshalIndent(p, "  ", "  ")
	if err != nil {
		fmt.Fprintf(w, "  %s: <unprintable: %v>\n", label, err)
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", label, data)
}

func parsePayload(raw string) (domain.Payload, error) {
	if raw == "" {
		return domain.Payload{}, nil
	}
	var p domain.Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return p, nil
}

func validateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}
