package pipeline

import "github.com/nacorga/tracelog/internal/model"

// Pending buffers events tracked before a session id exists. When full, the
// oldest event is dropped. Not safe for concurrent use.
type Pending struct {
	capacity int
	events   []model.Event
}

// NewPending creates a buffer of the given capacity.
func NewPending(capacity int) *Pending {
	return &Pending{capacity: capacity}
}

// Add appends e. Returns true if an older event was dropped to make room.
func (p *Pending) Add(e model.Event) bool {
	if p.capacity <= 0 {
		return true
	}
	dropped := false
	if len(p.events) >= p.capacity {
		p.events[0] = model.Event{}
		p.events = p.events[1:]
		dropped = true
	}
	p.events = append(p.events, e)
	return dropped
}

// Drain removes and returns the buffered events in arrival order.
func (p *Pending) Drain() []model.Event {
	events := p.events
	p.events = nil
	return events
}

// Len returns the number of buffered events.
func (p *Pending) Len() int {
	return len(p.events)
}
