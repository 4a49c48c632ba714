package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacorga/tracelog/internal/model"
)

func itemOf(id string, et model.EventType, fp string) Item {
	return Item{Event: model.Event{ID: id, Type: et}, SessionID: "s", Fingerprint: fp}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Event.ID
	}
	return out
}

func TestQueue_DedupWithinWindow(t *testing.T) {
	q := NewQueue(10, 500)

	first := itemOf("a", model.EventClick, "fp")
	first.Event.Timestamp = 1000
	second := itemOf("b", model.EventClick, "fp")
	second.Event.Timestamp = 1200

	assert.Equal(t, Queued, q.Push(first, 1000))
	assert.Equal(t, Deduplicated, q.Push(second, 1200))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Event.ID, "the first item keeps its identity")
	assert.Equal(t, int64(1200), items[0].Event.Timestamp, "and takes the newer timestamp")
}

func TestQueue_DedupWindowMeasuredFromFirstAcceptance(t *testing.T) {
	q := NewQueue(10, 500)
	q.Push(itemOf("a", model.EventClick, "fp"), 0)
	assert.Equal(t, Deduplicated, q.Push(itemOf("b", model.EventClick, "fp"), 400))
	assert.Equal(t, Queued, q.Push(itemOf("c", model.EventClick, "fp"), 500))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DedupIsPerSession(t *testing.T) {
	q := NewQueue(10, 500)
	a := itemOf("a", model.EventClick, "fp")
	b := itemOf("b", model.EventClick, "fp")
	b.SessionID = "other"
	q.Push(a, 0)
	assert.Equal(t, Queued, q.Push(b, 1))
}

func TestQueue_BoundaryBypassesDedup(t *testing.T) {
	q := NewQueue(10, 500)
	q.Push(itemOf("a", model.EventSessionStart, "fp"), 0)
	assert.Equal(t, Queued, q.Push(itemOf("b", model.EventSessionStart, "fp"), 1))
}

func TestQueue_OverflowEvictsOldestNonBoundary(t *testing.T) {
	q := NewQueue(3, 0)
	q.Push(itemOf("start", model.EventSessionStart, "1"), 0)
	q.Push(itemOf("a", model.EventClick, "2"), 1)
	q.Push(itemOf("b", model.EventClick, "3"), 2)

	assert.Equal(t, QueuedWithEviction, q.Push(itemOf("c", model.EventClick, "4"), 3))
	assert.Equal(t, []string{"start", "b", "c"}, ids(q.Items()))
}

func TestQueue_BoundaryNeverDropped(t *testing.T) {
	q := NewQueue(2, 0)
	q.Push(itemOf("s1", model.EventSessionStart, "1"), 0)
	q.Push(itemOf("e1", model.EventSessionEnd, "2"), 1)

	assert.Equal(t, Rejected, q.Push(itemOf("a", model.EventClick, "3"), 2))
	assert.Equal(t, Queued, q.Push(itemOf("s2", model.EventSessionStart, "4"), 3))
	assert.Equal(t, []string{"s1", "e1", "s2"}, ids(q.Items()))
}

func TestQueue_DrainAndRequeue(t *testing.T) {
	q := NewQueue(3, 0)
	q.Push(itemOf("a", model.EventClick, "1"), 0)
	q.Push(itemOf("b", model.EventClick, "2"), 1)

	drained := q.Drain()
	assert.Equal(t, 0, q.Len())

	q.Push(itemOf("c", model.EventClick, "3"), 2)
	q.Push(itemOf("d", model.EventClick, "4"), 3)

	evicted := q.Requeue(drained)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"b", "c", "d"}, ids(q.Items()))
}

func TestPending_DropOldest(t *testing.T) {
	p := NewPending(2)
	assert.False(t, p.Add(model.Event{ID: "1"}))
	assert.False(t, p.Add(model.Event{ID: "2"}))
	assert.True(t, p.Add(model.Event{ID: "3"}))

	events := p.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].ID)
	assert.Equal(t, "3", events[1].ID)
	assert.Equal(t, 0, p.Len())
}

func TestGroupBatches(t *testing.T) {
	items := []Item{
		{Event: model.Event{ID: "1", Type: model.EventClick, Timestamp: 30}, SessionID: "b", Fingerprint: "x"},
		{Event: model.Event{ID: "2", Type: model.EventClick, Timestamp: 10}, SessionID: "a", Fingerprint: "y"},
		{Event: model.Event{ID: "3", Type: model.EventClick, Timestamp: 40}, SessionID: "b", Fingerprint: "x"},
		{Event: model.Event{ID: "4", Type: model.EventPageView, Timestamp: 5}, SessionID: "b", Fingerprint: "z"},
	}
	batches := groupBatches(items, model.Batch{UserID: "u"})

	require.Len(t, batches, 2)
	assert.Equal(t, "b", batches[0].SessionID, "ordered by earliest event")
	assert.Equal(t, "u", batches[0].UserID)
	require.Len(t, batches[0].Events, 2)
	assert.Equal(t, "4", batches[0].Events[0].ID)
	assert.Equal(t, "3", batches[0].Events[1].ID, "newest per fingerprint")
	assert.Equal(t, "a", batches[1].SessionID)
}
