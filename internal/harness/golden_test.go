package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunWithGolden_Deterministic records a trace into a scratch fixture
// directory and checks that a second run reproduces it byte for byte.
func TestRunWithGolden_Deterministic(t *testing.T) {
	for _, name := range []string{"two_tabs", "failover", "partition"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join(scenarioDir, name+".yaml"))
			require.NoError(t, err)

			dir := t.TempDir()
			first, err := Run(scenario)
			require.NoError(t, err)
			data, err := MarshalTrace(scenario.Name, first)
			require.NoError(t, err)
			require.NoError(t, newGoldie(t, goldie.WithFixtureDir(dir)).Update(t, scenario.Name, data))

			second, err := RunWithGolden(t, scenario, goldie.WithFixtureDir(dir))
			require.NoError(t, err)
			assert.Equal(t, first.Trace, second.Trace)

			stored, err := os.ReadFile(filepath.Join(dir, scenario.Name+".golden"))
			require.NoError(t, err)
			assert.Contains(t, string(stored), `"scenario_name": "`+scenario.Name+`"`)
		})
	}
}

func TestMarshalTrace_Shape(t *testing.T) {
	result := NewResult()
	result.Trace = append(result.Trace,
		TraceEvent{At: 1, Tab: "a", Kind: KindStep, Detail: "open"},
		TraceEvent{At: 2501, Tab: "a", Kind: KindSessionStart, Session: "s-1", Detail: "epoch 1"})
	result.Sessions["a"] = "s-1"

	data, err := MarshalTrace("demo", result)
	require.NoError(t, err)
	assert.Equal(t, `{
  "scenario_name": "demo",
  "trace": [
    {
      "at": 1,
      "tab": "a",
      "kind": "step",
      "detail": "open"
    },
    {
      "at": 2501,
      "tab": "a",
      "kind": "session_start",
      "session": "s-1",
      "detail": "epoch 1"
    }
  ],
  "sessions": {
    "a": "s-1"
  }
}
`, string(data))
}
