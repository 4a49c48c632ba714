package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
steps:
  - do: open
    tab: a
  - do: advance
    for: 3s
  - do: track
    tab: a
    event: { type: custom, name: signup }
assertions:
  - type: leader_count
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	require.Len(t, scenario.Steps, 3)
	assert.Equal(t, StepAdvance, scenario.Steps[1].Do)
	assert.Equal(t, "3s", scenario.Steps[1].For)
	require.NotNil(t, scenario.Steps[2].Event)
	assert.Equal(t, "signup", scenario.Steps[2].Event.Name)
	assert.Equal(t, AssertLeaderCount, scenario.Assertions[0].Type)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(validScenario + "assertion: []\n"))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{do: heal}]\nassertions: [{type: leader_count}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing steps",
			yaml:    "name: n\ndescription: d\nassertions: [{type: leader_count}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "missing assertions",
			yaml:    "name: n\ndescription: d\nsteps: [{do: heal}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown step",
			yaml:    "name: n\ndescription: d\nsteps: [{do: teleport}]\nassertions: [{type: leader_count}]\n",
			wantErr: `unknown step "teleport"`,
		},
		{
			name:    "open without tab",
			yaml:    "name: n\ndescription: d\nsteps: [{do: open}]\nassertions: [{type: leader_count}]\n",
			wantErr: "open requires tab",
		},
		{
			name:    "bad duration",
			yaml:    "name: n\ndescription: d\nsteps: [{do: advance, for: soon}]\nassertions: [{type: leader_count}]\n",
			wantErr: "advance",
		},
		{
			name:    "invalid event",
			yaml:    "name: n\ndescription: d\nsteps: [{do: track, tab: a, event: {type: custom}}]\nassertions: [{type: leader_count}]\n",
			wantErr: "missing custom event name",
		},
		{
			name:    "bad transport state",
			yaml:    "name: n\ndescription: d\nsteps: [{do: transport, state: flaky}]\nassertions: [{type: leader_count}]\n",
			wantErr: "must be ok or fail",
		},
		{
			name:    "unknown event type in assertion",
			yaml:    "name: n\ndescription: d\nsteps: [{do: heal}]\nassertions: [{type: delivered_count, event: hover}]\n",
			wantErr: `unknown event type "hover"`,
		},
		{
			name:    "queue depth without tab",
			yaml:    "name: n\ndescription: d\nsteps: [{do: heal}]\nassertions: [{type: queue_depth}]\n",
			wantErr: "queue_depth requires tab",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEventSpec_Event(t *testing.T) {
	click := EventSpec{Type: "click", X: 5, Y: 6}.Event()
	require.NotNil(t, click.Click)
	assert.Equal(t, 5, click.Click.X)
	assert.NoError(t, click.Validate())

	up := EventSpec{Type: "scroll", Depth: -30}.Event()
	assert.Equal(t, model.ScrollUp, up.Scroll.Direction)
	assert.Equal(t, 30, up.Scroll.Depth)

	fail := EventSpec{Type: "error", Message: "boom"}.Event()
	assert.Equal(t, "boom", fail.Error.Message)
	assert.NoError(t, fail.Validate())

	view := EventSpec{Type: "page_view", URL: "https://shop.test/cart"}.Event()
	assert.Equal(t, "https://shop.test/cart", view.PageURL)
}
