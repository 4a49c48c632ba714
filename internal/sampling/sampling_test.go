package sampling

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_Deterministic(t *testing.T) {
	a := Score("user-42")
	b := Score("user-42")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
	assert.NotEqual(t, Score("user-42"), Score("user-43"))
}

func TestAdmit_Bounds(t *testing.T) {
	assert.False(t, Admit("anyone", 0))
	assert.False(t, Admit("anyone", -1))
	assert.True(t, Admit("anyone", 1))
	assert.True(t, Admit("anyone", 1.5))
}

func TestAdmit_Distribution(t *testing.T) {
	admitted := 0
	for i := 0; i < 10000; i++ {
		if Admit(fmt.Sprintf("user-%d", i), 0.5) {
			admitted++
		}
	}
	assert.GreaterOrEqual(t, admitted, 4800)
	assert.LessOrEqual(t, admitted, 5200)
}

func TestAdmit_StableAcrossRuns(t *testing.T) {
	first := make([]bool, 200)
	for i := range first {
		first[i] = Admit(fmt.Sprintf("u%d", i), 0.3)
	}
	for i := range first {
		assert.Equal(t, first[i], Admit(fmt.Sprintf("u%d", i), 0.3))
	}
}

func TestOracle_Channels(t *testing.T) {
	o := NewOracle(0)
	o.Channels["errors"] = 1

	assert.False(t, o.Admit("u1"))
	assert.False(t, o.AdmitChannel("u1", ""))
	assert.False(t, o.AdmitChannel("u1", "unknown"))
	assert.True(t, o.AdmitChannel("u1", "errors"))
}

func TestOracle_ChannelIndependentOfBase(t *testing.T) {
	o := NewOracle(0.5)
	o.Channels["errors"] = 0.5

	differ := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		if o.Admit(id) != o.AdmitChannel(id, "errors") {
			differ++
		}
	}
	// Independent fair coins disagree about half the time.
	assert.Greater(t, differ, 350)
	assert.Less(t, differ, 650)
}
