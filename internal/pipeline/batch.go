package pipeline

import (
	"sort"

	"github.com/nacorga/tracelog/internal/model"
)

// fingerprintOf keys boundary events by id so they never collapse.
func fingerprintOf(e model.Event) string {
	if e.Type.IsBoundary() {
		return string(e.Type) + "#" + e.ID
	}
	return model.Fingerprint(e)
}

// groupBatches builds one batch per session from items. Within a batch only
// the newest event per fingerprint is kept and events are ordered by
// timestamp. Batches are ordered by their earliest event. env supplies the
// envelope fields shared by every batch.
func groupBatches(items []Item, env model.Batch) []model.Batch {
	type group struct {
		sessionID string
		order     []string
		newest    map[string]model.Event
	}
	var groups []*group
	bySession := make(map[string]*group)

	for _, it := range items {
		g, ok := bySession[it.SessionID]
		if !ok {
			g = &group{sessionID: it.SessionID, newest: make(map[string]model.Event)}
			bySession[it.SessionID] = g
			groups = append(groups, g)
		}
		key := it.Fingerprint
		if key == "" {
			key = fingerprintOf(it.Event)
		}
		prev, seen := g.newest[key]
		if !seen {
			g.order = append(g.order, key)
		}
		if !seen || it.Event.Timestamp >= prev.Timestamp {
			g.newest[key] = it.Event
		}
	}

	batches := make([]model.Batch, 0, len(groups))
	for _, g := range groups {
		events := make([]model.Event, 0, len(g.order))
		for _, key := range g.order {
			events = append(events, g.newest[key])
		}
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp < events[j].Timestamp
		})
		batch := env
		batch.SessionID = g.sessionID
		batch.Events = events
		batches = append(batches, batch)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].Events[0].Timestamp < batches[j].Events[0].Timestamp
	})
	return batches
}
