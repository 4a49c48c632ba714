package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultConfig(), store.NewRecords(store.NewMemory(), "p"))
}

func TestConfig_Window(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Minute, cfg.Window())

	cfg.SessionTimeout = 10 * time.Second
	assert.Equal(t, 2*time.Minute, cfg.Window(), "clamped to the minimum")

	cfg.SessionTimeout = 20 * time.Hour
	assert.Equal(t, 24*time.Hour, cfg.Window(), "clamped to the maximum")
}

func TestCandidate_Empty(t *testing.T) {
	m := newManager(t)
	_, ok := m.Candidate(0)
	assert.False(t, ok)
}

func TestCandidate_WithinWindow(t *testing.T) {
	m := newManager(t)
	m.Begin("s-1", 1000, 1000)

	got, ok := m.Candidate(1000 + (30 * time.Minute).Milliseconds())
	require.True(t, ok)
	assert.Equal(t, "s-1", got.SessionID)

	_, ok = m.Candidate(1001 + (30 * time.Minute).Milliseconds())
	assert.False(t, ok, "outside the window")
}

func TestRecover_ForeclosedAfterMaxAttempts(t *testing.T) {
	m := newManager(t)
	m.Begin("s-1", 1000, 1000)

	now := int64(2000)
	for i := 1; i <= 3; i++ {
		got, ok := m.Recover(now, map[string]string{"url": "/p"})
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, i, got.Attempt)
		assert.Equal(t, int64(1000), got.StartTime)
		now += 1000
	}

	_, ok := m.Recover(now, nil)
	assert.False(t, ok)
	_, ok = m.Candidate(now)
	assert.False(t, ok)
}

func TestClose_Forecloses(t *testing.T) {
	m := newManager(t)
	m.Begin("s-1", 1000, 1000)
	m.Close("s-1", 1500)

	_, ok := m.Candidate(1600)
	assert.False(t, ok)

	m.Touch("s-1", 1700)
	history := m.History()
	assert.Equal(t, int64(1500), history[len(history)-1].Timestamp, "closed chains are not touched")
}

func TestTouch_ExtendsWindow(t *testing.T) {
	m := newManager(t)
	m.Begin("s-1", 0, 0)
	window := (30 * time.Minute).Milliseconds()

	m.Touch("s-1", window)
	_, ok := m.Candidate(2 * window)
	assert.True(t, ok)

	m.Touch("other", 3*window)
	_, ok = m.Candidate(3*window + 1)
	assert.False(t, ok, "touching another session does not refresh")
}

func TestHistoryIsBounded(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 8; i++ {
		m.Begin("s", int64(i), int64(i))
	}
	assert.Len(t, m.History(), 5)
	assert.Equal(t, int64(7), m.History()[4].Timestamp)
}

func TestNote_Orphan(t *testing.T) {
	m := newManager(t)
	m.Note(model.SessionRecord{ID: "orphan", StartTime: 10, Heartbeat: 500})

	got, ok := m.Candidate(600)
	require.True(t, ok)
	assert.Equal(t, "orphan", got.SessionID)
	assert.Equal(t, 0, got.Attempt)

	m.Note(model.SessionRecord{ID: "orphan", StartTime: 10, Heartbeat: 900})
	assert.Len(t, m.History(), 1, "same chain is refreshed, not duplicated")
	assert.Equal(t, int64(900), m.History()[0].Timestamp)
}
