package harness

import (
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../testdata/scenarios"

// TestScenarios runs every scenario under testdata/scenarios and compares its
// trace with the committed golden file. They double as examples for the
// simulate command, which reads the same golden files.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join(scenarioDir, "*.yaml"))
	require.NoError(t, err)
	require.Len(t, paths, 7)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario, goldie.WithFixtureDir(filepath.Join(scenarioDir, "golden")))
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
		})
	}
}

func TestRun_TraceRecordsStepsDeliveriesAndLifecycle(t *testing.T) {
	scenario, err := ParseScenario([]byte(validScenario + `  - type: delivered_count
    event: custom
    count: 1
`))
	require.NoError(t, err)
	scenario.Steps = append(scenario.Steps, Step{Do: StepFlush, Tab: "a"})

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	kinds := make(map[string]int)
	for _, ev := range result.Trace {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 4, kinds[KindStep])
	assert.Equal(t, 1, kinds[KindSessionStart])
	assert.Equal(t, 1, kinds[KindDelivery])
	assert.Equal(t, "s-1", result.Sessions["a"])

	var delivery TraceEvent
	for _, ev := range result.Trace {
		if ev.Kind == KindDelivery {
			delivery = ev
		}
	}
	assert.Equal(t, "a", delivery.Tab)
	assert.Equal(t, "s-1", delivery.Session)
	assert.Equal(t, "request session_start,custom", delivery.Detail)
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "Assertions that cannot hold",
		Steps: []Step{
			{Do: StepOpen, Tab: "a"},
			{Do: StepAdvance, For: "3s"},
		},
		Assertions: []Assertion{
			{Type: AssertLeaderCount, Count: 2},
			{Type: AssertQueueDepth, Tab: "zz"},
			{Type: AssertSessionCount, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Expected: 2 leaders")
	assert.Contains(t, result.Errors[0], "Full trace:")
	assert.Contains(t, result.Errors[1], "tab zz open")
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{"tab not open", []Step{{Do: StepFlush, Tab: "a"}}, `tab "a" is not open`},
		{"opened twice", []Step{{Do: StepOpen, Tab: "a"}, {Do: StepOpen, Tab: "a"}}, "already open"},
		{"crashed tab", []Step{{Do: StepOpen, Tab: "a"}, {Do: StepCrash, Tab: "a"}, {Do: StepActivity, Tab: "a", Signal: "scroll"}}, "step 2 (activity)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(&Scenario{
				Name:        "broken",
				Description: "Steps that cannot run",
				Steps:       tt.steps,
				Assertions:  []Assertion{{Type: AssertLeaderCount}},
			})
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRun_ClosedTabsAreNotCounted(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "close_then_reopen",
		Description: "A tab that closes leaves the stage",
		Steps: []Step{
			{Do: StepOpen, Tab: "a"},
			{Do: StepAdvance, For: "3s"},
			{Do: StepStop, Tab: "a"},
		},
		Assertions: []Assertion{
			{Type: AssertLeaderCount, Count: 0},
			{Type: AssertDeliveredCount, Event: "session_end", Count: 1},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Sessions)
}
