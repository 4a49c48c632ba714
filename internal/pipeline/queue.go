package pipeline

import (
	"github.com/nacorga/tracelog/internal/model"
)

// Item is a queued event with its routing and dedup metadata.
type Item struct {
	Event       model.Event
	SessionID   string
	Fingerprint string
	// Accepted is when the item entered the queue (unix ms). The dedup
	// window is measured from it.
	Accepted int64
}

func (it Item) boundary() bool {
	return it.Event.Type.IsBoundary()
}

// PushResult reports what Queue.Push did with an item.
type PushResult int

const (
	// Queued means the item was appended.
	Queued PushResult = iota + 1
	// Deduplicated means an equal item inside the window absorbed it.
	Deduplicated
	// QueuedWithEviction means the item was appended after evicting the
	// oldest non-boundary item.
	QueuedWithEviction
	// Rejected means the queue was full of boundary items.
	Rejected
)

// Queue is a bounded FIFO with fingerprint dedup. Not safe for concurrent
// use.
type Queue struct {
	capacity int
	window   int64 // ms
	items    []Item
}

// NewQueue creates a queue holding at most capacity items, collapsing
// duplicates accepted less than windowMs apart.
func NewQueue(capacity int, windowMs int64) *Queue {
	return &Queue{
		capacity: capacity,
		window:   windowMs,
		items:    make([]Item, 0, capacity),
	}
}

// Push adds it at time now.
//
// A non-boundary item whose fingerprint and session match an item accepted
// less than the window ago is absorbed: the earlier item keeps its place and
// id and takes the newer timestamp. On overflow the oldest non-boundary item
// is evicted. Boundary items are never evicted and never rejected; they may
// push the queue past capacity.
func (q *Queue) Push(it Item, now int64) PushResult {
	it.Accepted = now
	if !it.boundary() {
		for i := len(q.items) - 1; i >= 0; i-- {
			prev := &q.items[i]
			if prev.Fingerprint != it.Fingerprint || prev.SessionID != it.SessionID {
				continue
			}
			if now-prev.Accepted < q.window {
				prev.Event.Timestamp = it.Event.Timestamp
				return Deduplicated
			}
			break
		}
	}

	if len(q.items) < q.capacity {
		q.items = append(q.items, it)
		return Queued
	}
	if q.evictOldest() {
		q.items = append(q.items, it)
		return QueuedWithEviction
	}
	if it.boundary() {
		q.items = append(q.items, it)
		return Queued
	}
	return Rejected
}

// Refresh gives the newest queued item matching it the timestamp of it.
// Reports false when no such item is queued.
func (q *Queue) Refresh(it Item) bool {
	for i := len(q.items) - 1; i >= 0; i-- {
		prev := &q.items[i]
		if prev.Fingerprint == it.Fingerprint && prev.SessionID == it.SessionID {
			prev.Event.Timestamp = it.Event.Timestamp
			return true
		}
	}
	return false
}

// evictOldest removes the oldest non-boundary item.
func (q *Queue) evictOldest() bool {
	for i, it := range q.items {
		if it.boundary() {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = Item{}
		q.items = q.items[:len(q.items)-1]
		return true
	}
	return false
}

// Drain removes and returns every item in FIFO order.
func (q *Queue) Drain() []Item {
	items := q.items
	q.items = make([]Item, 0, q.capacity)
	return items
}

// Requeue puts items back at the front, ahead of anything queued since they
// were drained, then trims back to capacity by evicting the oldest
// non-boundary items. Returns the number of evicted items.
func (q *Queue) Requeue(items []Item) int {
	if len(items) == 0 {
		return 0
	}
	merged := make([]Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged

	evicted := 0
	for len(q.items) > q.capacity && q.evictOldest() {
		evicted++
	}
	return evicted
}

// Items returns a copy of the queued items.
func (q *Queue) Items() []Item {
	return append([]Item(nil), q.items...)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}
