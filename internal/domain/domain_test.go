package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Scan(t *testing.T) {
	tests := []struct {
		name    string
		src     any
		want    Payload
		wantErr bool
	}{
		{name: "nil", src: nil, want: nil},
		{name: "bytes", src: []byte(`{"a":1}`), want: Payload{"a": float64(1)}},
		{name: "string", src: `{"nested":{"b":"c"}}`, want: Payload{"nested": map[string]any{"b": "c"}}},
		{name: "empty bytes", src: []byte{}, want: nil},
		{name: "invalid json", src: []byte(`{`), wantErr: true},
		{name: "unsupported type", src: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			err := p.Scan(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPayload_Value(t *testing.T) {
	v, err := Payload(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Payload{"k": "v"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, v)
}

func TestPayload_CloneIsDeep(t *testing.T) {
	orig := Payload{"list": []any{"a"}, "obj": map[string]any{"x": float64(1)}}
	cp := orig.Clone()

	cp["obj"].(map[string]any)["x"] = float64(2)
	cp["new"] = true

	assert.Equal(t, float64(1), orig["obj"].(map[string]any)["x"])
	assert.NotContains(t, orig, "new")
	assert.Nil(t, Payload(nil).Clone())
}

func TestStatus_IsTerminal(t *testing.T) {
	jobTerminal := map[JobStatus]bool{
		JobStatusPending:   false,
		JobStatusRunning:   false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for s, want := range jobTerminal {
		assert.Equal(t, want, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobStatus("DONE").Valid())

	wfTerminal := map[WorkflowStatus]bool{
		WorkflowStatusPending:   false,
		WorkflowStatusRunning:   false,
		WorkflowStatusWaiting:   false,
		WorkflowStatusCompleted: true,
		WorkflowStatusFailed:    true,
		WorkflowStatusCancelled: true,
	}
	for s, want := range wfTerminal {
		assert.Equal(t, want, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, WorkflowStatus("paused").Valid())
}

func TestErrors(t *testing.T) {
	err := NewSubmissionError("job", "resize")
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "resize", subErr.Type)
	assert.ErrorIs(t, err, ErrUnregisteredType)
	assert.Contains(t, err.Error(), `"resize"`)

	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", ErrWorkflowNotFound)))
	assert.True(t, IsNotFound(ErrWebhookNotFound))
	assert.False(t, IsNotFound(ErrConflict))

	panicErr := &PanicError{Value: "nil map"}
	assert.Equal(t, "handler panicked: nil map", panicErr.Error())
}
