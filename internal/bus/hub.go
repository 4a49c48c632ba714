package bus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/nacorga/tracelog/internal/clock"
)

// DropFunc decides whether a message from one port to another is lost.
type DropFunc func(from, to string, msg Message) bool

// Hub connects in-process contexts. Delivery is asynchronous: each message is
// scheduled on the hub's clock after the configured latency and handed to the
// receiver's handler from the clock's goroutine.
//
// Thread-safety: Hub and Port are safe for concurrent use.
type Hub struct {
	clock   clock.Clock
	latency time.Duration
	logger  *slog.Logger

	mu          sync.RWMutex
	ports       map[string]*Port
	order       []string
	drop        DropFunc
	partitioned bool
	delivered   int
	dropped     int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLatency delays every delivery by d.
func WithLatency(d time.Duration) HubOption {
	return func(h *Hub) {
		h.latency = d
	}
}

// WithDrop installs a loss filter.
func WithDrop(f DropFunc) HubOption {
	return func(h *Hub) {
		h.drop = f
	}
}

// NewHub creates an empty hub driven by c.
func NewHub(c clock.Clock, opts ...HubOption) *Hub {
	h := &Hub{
		clock:  c,
		ports:  make(map[string]*Port),
		logger: slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Port returns the endpoint of context id, creating it on first use.
func (h *Hub) Port(id string) *Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.ports[id]; ok && !p.isClosed() {
		return p
	}
	p := &Port{hub: h, id: id, subs: make(map[string]map[int]Handler)}
	if _, ok := h.ports[id]; !ok {
		h.order = append(h.order, id)
	}
	h.ports[id] = p
	return p
}

// SetDrop replaces the loss filter. nil delivers everything.
func (h *Hub) SetDrop(f DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = f
}

// Partition drops every message until Heal is called.
func (h *Hub) Partition() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned = true
}

// Heal ends a partition.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned = false
}

// Stats returns the number of delivered and dropped messages.
func (h *Hub) Stats() (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.delivered, h.dropped
}

func (h *Hub) publish(from *Port, topic string, msg Message) {
	h.mu.Lock()
	var targets []*Port
	for _, id := range h.order {
		p := h.ports[id]
		if p == from || p.isClosed() {
			continue
		}
		if h.partitioned || (h.drop != nil && h.drop(from.id, id, msg)) {
			h.dropped++
			continue
		}
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		h.clock.AfterFunc(h.latency, func() {
			if p.deliver(topic, msg) {
				h.mu.Lock()
				h.delivered++
				h.mu.Unlock()
			}
		})
	}
}

// Port is one context's view of a Hub.
type Port struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

var _ Bus = (*Port)(nil)

// ID returns the context id the port belongs to.
func (p *Port) ID() string {
	return p.id
}

// Publish schedules msg for every other open port subscribed to topic.
func (p *Port) Publish(topic string, msg Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	if msg.From == "" {
		msg.From = p.id
	}
	p.hub.publish(p, topic, msg)
	return nil
}

// Subscribe registers h for topic on this port.
func (p *Port) Subscribe(topic string, h Handler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[int]Handler)
	}
	p.nextID++
	id := p.nextID
	p.subs[topic][id] = h
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[topic], id)
	}, nil
}

// Close detaches the port. Messages already in flight to it are discarded.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.subs = make(map[string]map[int]Handler)
	return nil
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) deliver(topic string, msg Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	ids := make([]int, 0, len(p.subs[topic]))
	for id := range p.subs[topic] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, p.subs[topic][id])
	}
	p.mu.Unlock()

	for _, h := range handlers {
		safeCall(p.hub.logger, h, msg)
	}
	return len(handlers) > 0
}

// safeCall invokes a handler and recovers from any panics so that one
// misbehaving subscriber cannot block delivery to the others.
func safeCall(logger *slog.Logger, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked",
				"type", msg.Type,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(msg)
}
