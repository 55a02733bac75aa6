package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobflow/internal/config"
	"github.com/cuongbtq/jobflow/internal/storage/memory"
)

const testConfig = "testdata/config.yaml"

func run(t *testing.T, store *memory.Store, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(func(context.Context, *config.Config, *slog.Logger) (*Backend, error) {
		return &Backend{Store: store}, nil
	})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	store := memory.New()

	out, err := run(t, store, "--config", testConfig, "jobs", "submit", "noop", "--payload", `{"n":1}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NoError(t, validateID("job", id))

	out, err = run(t, store, "--config", testConfig, "jobs", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "PENDING")

	out, err = run(t, store, "--config", testConfig, "jobs", "drain")
	require.NoError(t, err)
	assert.Equal(t, "Ran 1 job(s)\n", out)

	out, err = run(t, store, "--config", testConfig, "jobs", "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: COMPLETED")
	assert.Contains(t, out, "Progress: 100%")
	assert.Contains(t, out, `"echo"`)

	_, err = run(t, store, "--config", testConfig, "jobs", "cancel", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestJobsCommands_Errors(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		errString string
	}{
		{name: "invalid status", args: []string{"jobs", "list", "--status", "done"}, errString: "invalid status"},
		{name: "invalid id", args: []string{"jobs", "get", "abc"}, errString: "invalid job id"},
		{name: "unknown job", args: []string{"jobs", "get", "7f9c4a52-4d3e-4c55-9d6b-3c7c1f0b8a11"}, errString: "get job"},
		{name: "unknown type", args: []string{"jobs", "submit", "resize"}, errString: "submit job"},
		{name: "bad payload", args: []string{"jobs", "submit", "noop", "--payload", "[1]"}, errString: "JSON object"},
		{name: "missing argument", args: []string{"jobs", "get"}, errString: "accepts 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, memory.New(), append([]string{"--config", testConfig}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestWorkflowsCommands(t *testing.T) {
	store := memory.New()

	out, err := run(t, store, "-c", testConfig, "workflows", "submit", "external_approval",
		"--user", "user-1", "--input", `{"external_system":"crm"}`)
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	out, err = run(t, store, "-c", testConfig, "poll")
	require.NoError(t, err)
	assert.Contains(t, out, "Started 1")

	out, err = run(t, store, "-c", testConfig, "wf", "list", "--user", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "WAITING")

	out, err = run(t, store, "-c", testConfig, "workflows", "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: WAITING")
	assert.Contains(t, out, "Steps (2):")
	assert.Contains(t, out, "Webhooks (1):")
	assert.Contains(t, out, "crm")
	assert.Contains(t, out, "callback_path")

	out, err = run(t, store, "-c", testConfig, "workflows", "cancel", id)
	require.NoError(t, err)
	assert.Equal(t, "Workflow "+id+" is CANCELLED\n", out)

	out, err = run(t, store, "-c", testConfig, "workflows", "list", "--status", "waiting")
	require.NoError(t, err)
	assert.Equal(t, "No workflows found\n", out)
}

func TestWorkflowsSubmit_RequiresUser(t *testing.T) {
	_, err := run(t, memory.New(), "-c", testConfig, "workflows", "submit", "delayed_check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"user"`)
}

func TestOpsCommands(t *testing.T) {
	store := memory.New()

	out, err := run(t, store, "-c", testConfig, "recover")
	require.NoError(t, err)
	assert.Equal(t, "Recovered 0 job(s) and 0 workflow(s)\n", out)

	out, err = run(t, store, "-c", testConfig, "poll")
	require.NoError(t, err)
	assert.Equal(t, "Started 0, resumed 0 workflow(s)\n", out)

	_, err = run(t, store, "-c", testConfig, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema")
}

func TestConfigResolution(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	_, err := run(t, memory.New(), "poll")
	require.ErrorIs(t, err, config.ErrNoConfigPath)

	t.Setenv(ConfigPathEnv, testConfig)
	_, err = run(t, memory.New(), "poll")
	require.NoError(t, err)

	_, err = run(t, memory.New(), "-c", "testdata/missing.yaml", "poll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
