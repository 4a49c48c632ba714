package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
)

func TestRecords_SessionRoundTrip(t *testing.T) {
	r := NewRecords(NewMemory(), "proj")

	_, ok := r.LoadSession()
	assert.False(t, ok)

	r.SaveSession(model.SessionRecord{ID: "s-1", StartTime: 10, Epoch: 1})
	rec, ok := r.LoadSession()
	require.True(t, ok)
	assert.Equal(t, "s-1", rec.ID)
	assert.Equal(t, model.RecordVersion, rec.Version)

	updated := r.UpdateSession(func(rec *model.SessionRecord) { rec.Heartbeat = 99 })
	assert.Equal(t, int64(99), updated.Heartbeat)
	rec, _ = r.LoadSession()
	assert.Equal(t, int64(99), rec.Heartbeat)
}

func TestRecords_KeysAreProjectScoped(t *testing.T) {
	kv := NewMemory()
	a := NewRecords(kv, "a")
	b := NewRecords(kv, "b")

	a.SaveSession(model.SessionRecord{ID: "s-a"})
	_, ok := b.LoadSession()
	assert.False(t, ok)
	assert.Equal(t, "tracelog:a:tab:t1", a.Key("tab", "t1"))
}

func TestRecords_CorruptValueIsAbsent(t *testing.T) {
	kv := NewMemory()
	r := NewRecords(kv, "p")
	require.NoError(t, kv.Set(r.Key("session"), "{not json"))

	_, ok := r.LoadSession()
	assert.False(t, ok)
}

func TestRecords_Tabs(t *testing.T) {
	r := NewRecords(NewMemory(), "p")
	r.SaveTab(model.TabInfo{TabID: "t2", IsLeader: true})
	r.SaveTab(model.TabInfo{TabID: "t1"})

	tabs := r.ListTabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, "t1", tabs[0].TabID)
	assert.True(t, tabs[1].IsLeader)

	r.RemoveTab("t1")
	_, ok := r.LoadTab("t1")
	assert.False(t, ok)
	assert.Len(t, r.ListTabs(), 1)
}

func TestRecords_Backup(t *testing.T) {
	r := NewRecords(NewMemory(), "p")
	_, ok := r.LoadBackup("u-1", "t1")
	assert.False(t, ok)

	r.SaveBackup(model.BatchBackup{
		UserID:    "u-1",
		TabID:     "t1",
		Batches:   []model.Batch{{SessionID: "s-1", Events: []model.Event{{ID: "e-1", Type: model.EventPageView}}}},
		Timestamp: 5,
	})
	b, ok := r.LoadBackup("u-1", "t1")
	require.True(t, ok)
	assert.Equal(t, 1, b.EventCount())
	assert.Equal(t, model.RecordVersion, b.Version)

	_, ok = r.LoadBackup("u-1", "t2")
	assert.False(t, ok, "backups are per context")

	r.ClearBackup("u-1", "t2")
	_, ok = r.LoadBackup("u-1", "t1")
	assert.True(t, ok, "clearing another context's key leaves this one")

	r.ClearBackup("u-1", "t1")
	_, ok = r.LoadBackup("u-1", "t1")
	assert.False(t, ok)
}

func TestRecords_ListBackups(t *testing.T) {
	r := NewRecords(NewMemory(), "p")
	event := []model.Event{{ID: "e-1", Type: model.EventPageView}}
	r.SaveBackup(model.BatchBackup{UserID: "u-1", TabID: "t1", Batches: []model.Batch{{Events: event}}})
	r.SaveBackup(model.BatchBackup{UserID: "u-1", TabID: "t2", Batches: []model.Batch{{Events: event}}})
	r.SaveBackup(model.BatchBackup{UserID: "u-1", TabID: "t3"})
	r.SaveBackup(model.BatchBackup{UserID: "u-10", TabID: "t1", Batches: []model.Batch{{Events: event}}})

	var tabs []string
	for _, b := range r.ListBackups("u-1") {
		tabs = append(tabs, b.TabID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, tabs, "empty backups and other users are skipped")
}

func TestRecords_UserIDIsStable(t *testing.T) {
	r := NewRecords(NewMemory(), "p")
	gen := model.NewSequenceGenerator("user")

	first := r.UserID(gen)
	second := r.UserID(gen)
	assert.Equal(t, "user-1", first)
	assert.Equal(t, first, second)
}

func TestRecords_LiveTabs(t *testing.T) {
	r := NewRecords(NewMemory(), "p")
	r.SaveTab(model.TabInfo{TabID: "fresh", LastHeartbeat: 1000})
	r.SaveTab(model.TabInfo{TabID: "stale", LastHeartbeat: 100})

	live := r.LiveTabs(1500, 500)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].TabID)
}
