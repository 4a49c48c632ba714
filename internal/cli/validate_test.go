package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracelog.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestValidateConfig_Text(t *testing.T) {
	path := writeConfig(t, `project_id: "shop"
endpoint: "https://collect.test/v1/events"
queue_capacity: 2500
store: {path: "/tmp/tracelog.db", quota: 1048576}
`)
	out := &bytes.Buffer{}
	err := runValidateConfig(&RootOptions{Format: "text"}, path, map[string]string{}, out, out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), `Configuration valid for project "shop"`)
	assert.Contains(t, out.String(), "2,500")
	assert.Contains(t, out.String(), "1.0 MiB")
	assert.Contains(t, out.String(), "15m0s")
}

func TestValidateConfig_EnvOnlyJSON(t *testing.T) {
	out := &bytes.Buffer{}
	env := map[string]string{"TRACELOG_PROJECT_ID": "blog", "TRACELOG_CODEC": "cbor"}
	err := runValidateConfig(&RootOptions{Format: "json"}, "", env, out, out)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ConfigSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "blog", resp.Data.ProjectID)
	assert.Equal(t, "cbor", resp.Data.Codec)
	assert.Empty(t, resp.Data.StoreQuota)
}

func TestValidateConfig_ReportsEveryProblem(t *testing.T) {
	out := &bytes.Buffer{}
	env := map[string]string{"TRACELOG_PROJECT_ID": "Shop!", "TRACELOG_SAMPLING_RATE": "2"}
	err := runValidateConfig(&RootOptions{Format: "json"}, "", env, out, out)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidConfig, resp.Error.Code)
	details, ok := resp.Error.Details.(string)
	require.True(t, ok)
	assert.Contains(t, details, "project_id")
	assert.Contains(t, details, "sampling_rate")
	assert.Contains(t, details, "; ")
}

func TestValidateConfig_SchemaViolation(t *testing.T) {
	path := writeConfig(t, `project_id: "shop", colour: "blue"`)
	out := &bytes.Buffer{}
	err := runValidateConfig(&RootOptions{Format: "text"}, path, map[string]string{}, out, out)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "Error [E003]")
}

func TestValidateConfig_MissingFile(t *testing.T) {
	out := &bytes.Buffer{}
	err := runValidateConfig(&RootOptions{Format: "text"}, filepath.Join(t.TempDir(), "nope.cue"), nil, out, out)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "config file not found")
}
