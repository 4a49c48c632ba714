package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcile_HigherEpochWins(t *testing.T) {
	local := SessionRecord{ID: "s-1", Epoch: 3, LastActivity: 500}
	stored := SessionRecord{ID: "s-2", Epoch: 4, LastActivity: 100}

	assert.Equal(t, "s-2", Reconcile(local, stored).ID)
	assert.Equal(t, "s-2", Reconcile(stored, local).ID)
}

func TestReconcile_MergesMonotonicFields(t *testing.T) {
	local := SessionRecord{ID: "s-1", Epoch: 2, StartTime: 10, LastActivity: 900, Heartbeat: 100}
	stored := SessionRecord{ID: "s-1", Epoch: 2, StartTime: 20, LastActivity: 300, Heartbeat: 700, TabCount: 3}

	got := Reconcile(local, stored)
	assert.Equal(t, int64(10), got.StartTime)
	assert.Equal(t, int64(900), got.LastActivity)
	assert.Equal(t, int64(700), got.Heartbeat)
	assert.Equal(t, 3, got.TabCount)
}

func TestReconcile_SameEpochRaceIsDeterministic(t *testing.T) {
	a := SessionRecord{ID: "s-a", Epoch: 1, OwnerTabID: "tab-a"}
	b := SessionRecord{ID: "s-b", Epoch: 1, OwnerTabID: "tab-b"}

	assert.Equal(t, "s-a", Reconcile(a, b).ID)
	assert.Equal(t, "s-a", Reconcile(b, a).ID)
}

func TestReconcile_EmptySides(t *testing.T) {
	rec := SessionRecord{ID: "s-1", Epoch: 1}
	assert.Equal(t, rec, Reconcile(rec, SessionRecord{}))
	assert.Equal(t, rec, Reconcile(SessionRecord{}, rec))
}

func TestSessionRecordLive(t *testing.T) {
	rec := SessionRecord{ID: "s-1", Heartbeat: 1000}
	assert.True(t, rec.Live(1500, 1000))
	assert.False(t, rec.Live(2500, 1000))

	rec.Ended = true
	assert.False(t, rec.Live(1500, 1000))
}
