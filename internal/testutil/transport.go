// Package testutil provides deterministic collaborators for tests and the
// scenario harness.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nacorga/tracelog/internal/model"
)

// ErrTransportDown is returned by a Transport set to fail.
var ErrTransportDown = errors.New("transport down")

// Delivery is one batch seen by a Transport.
type Delivery struct {
	Endpoint string
	Method   string // "request" or "fire_and_forget"
	Batch    model.Batch
}

// Transport records batches instead of sending them. It can be switched to
// fail, and fire-and-forget can be refused independently.
//
// Thread-safety: Transport is safe for concurrent use.
type Transport struct {
	mu         sync.Mutex
	deliveries []Delivery
	attempts   int
	failing    bool
	refuseFF   bool
	gate       chan struct{}
}

// NewTransport creates a healthy recording transport.
func NewTransport() *Transport {
	return &Transport{}
}

// SetFailing makes every attempt fail (true) or succeed (false).
func (t *Transport) SetFailing(failing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing = failing
}

// RefuseFireAndForget makes FireAndForget return false, forcing callers onto
// the request path.
func (t *Transport) RefuseFireAndForget(refuse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refuseFF = refuse
}

// Block makes Request wait until Unblock or until its context is done.
func (t *Transport) Block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate == nil {
		t.gate = make(chan struct{})
	}
}

// Unblock releases every Request waiting since Block.
func (t *Transport) Unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// FireAndForget records batch unless failing or refusing.
func (t *Transport) FireAndForget(endpoint string, batch model.Batch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.failing || t.refuseFF {
		return false
	}
	t.deliveries = append(t.deliveries, Delivery{Endpoint: endpoint, Method: "fire_and_forget", Batch: batch})
	return true
}

// Request records batch unless failing.
func (t *Transport) Request(ctx context.Context, endpoint string, batch model.Batch, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.attempts++
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing {
		return ErrTransportDown
	}
	t.deliveries = append(t.deliveries, Delivery{Endpoint: endpoint, Method: "request", Batch: batch})
	return nil
}

// Deliveries returns the recorded batches in order.
func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// Events returns every delivered event in delivery order.
func (t *Transport) Events() []model.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var events []model.Event
	for _, d := range t.deliveries {
		events = append(events, d.Batch.Events...)
	}
	return events
}

// CountByType returns how many events of type et were delivered.
func (t *Transport) CountByType(et model.EventType) int {
	n := 0
	for _, e := range t.Events() {
		if e.Type == et {
			n++
		}
	}
	return n
}

// Attempts returns the number of delivery attempts, successful or not.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
