// Package tracker assembles the telemetry client of one context: storage,
// delivery pipeline, session coordinator and, when a bus is available,
// leader election with the other contexts of the same project.
//
// Every public method enters the context's serial executor; lifecycle
// callbacks registered with OnSessionStart and OnSessionEnd run after the
// executor is released and may call back into the tracker.
package tracker

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/nacorga/tracelog/internal/bus"
	"github.com/nacorga/tracelog/internal/clock"
	"github.com/nacorga/tracelog/internal/config"
	"github.com/nacorga/tracelog/internal/election"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/pipeline"
	"github.com/nacorga/tracelog/internal/recovery"
	"github.com/nacorga/tracelog/internal/sampling"
	"github.com/nacorga/tracelog/internal/session"
	"github.com/nacorga/tracelog/internal/store"
	"github.com/nacorga/tracelog/internal/transport"
)

// Deps are the collaborators supplied by the host.
type Deps struct {
	// KV is the shared origin storage. Nil keeps state in memory.
	KV store.KV
	// Bus connects the contexts of one project. Nil runs solo: this context
	// is always its own leader.
	Bus       bus.Bus
	Transport transport.Transport
	// Clock defaults to the wall clock.
	Clock clock.Clock
	Page  model.PageContext
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTabID fixes the context id.
func WithTabID(id string) Option {
	return func(t *Tracker) {
		t.tabID = id
	}
}

// WithSessionIDs sets the session id generator.
func WithSessionIDs(gen model.IDGenerator) Option {
	return func(t *Tracker) {
		t.sessionIDs = gen
	}
}

// WithEventIDs sets the event id generator.
func WithEventIDs(gen model.IDGenerator) Option {
	return func(t *Tracker) {
		t.eventIDs = gen
	}
}

// WithUserIDs sets the generator used when no user id is stored yet.
func WithUserIDs(gen model.IDGenerator) Option {
	return func(t *Tracker) {
		t.userIDs = gen
	}
}

// WithRand sets the election jitter source.
func WithRand(r *rand.Rand) Option {
	return func(t *Tracker) {
		t.rng = r
	}
}

type startSub struct {
	id int
	fn func(model.SessionRecord)
}

type endSub struct {
	id int
	fn func(id string, reason model.EndReason)
}

// Tracker is the telemetry client of one context.
//
// Thread-safety: safe for concurrent use.
type Tracker struct {
	cfg        config.Config
	deps       Deps
	serial     *clock.Serial
	tabID      string
	sessionIDs model.IDGenerator
	eventIDs   model.IDGenerator
	userIDs    model.IDGenerator
	rng        *rand.Rand
	logger     *slog.Logger

	records *store.Records
	pipe    *pipeline.Pipeline
	coord   *session.Coordinator
	el      *election.Election
	userID  string

	startSubs []startSub
	endSubs   []endSub
	nextSub   int

	initialized bool
	stopped     bool
}

// New creates an uninitialized tracker.
func New(cfg config.Config, deps Deps, opts ...Option) *Tracker {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Page == nil {
		deps.Page = model.NewStaticPage("", "")
	}
	t := &Tracker{
		cfg:        cfg,
		deps:       deps,
		serial:     clock.NewSerial(deps.Clock),
		sessionIDs: model.UUIDv7Generator{},
		eventIDs:   model.UUIDv7Generator{},
		userIDs:    model.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tabID == "" {
		t.tabID = model.UUIDv7Generator{}.Generate()
	}
	t.logger = slog.Default().With("component", "tracker", "tab", t.tabID)
	return t
}

// Init assembles the tracker and joins the project's contexts. On failure
// the returned error satisfies IsInitError and the tracker is unusable.
func (t *Tracker) Init() error {
	var err error
	t.serial.Do(func() {
		err = t.init()
	})
	if err != nil {
		t.logger.Warn("init failed", "error", err)
	}
	return err
}

func (t *Tracker) init() error {
	if t.stopped {
		return ErrStopped
	}
	if t.initialized {
		return nil
	}
	if err := t.cfg.Validate(); err != nil {
		t.stopped = true
		return newInitError("invalid config", err)
	}
	if t.deps.Transport == nil {
		t.stopped = true
		return newInitError("missing transport", nil)
	}

	kv := t.deps.KV
	if kv == nil {
		kv = store.NewMemory()
	}
	t.records = store.NewRecords(store.NewFallback(kv), t.cfg.ProjectID)
	t.userID = t.records.UserID(t.userIDs)

	oracle := sampling.NewOracle(t.cfg.SamplingRate)
	oracle.Channels["errors"] = t.cfg.ErrorSamplingRate
	t.pipe = pipeline.New(t.cfg.Pipeline(), t.serial, t.records, t.deps.Transport, t.userID,
		pipeline.WithOracle(oracle),
		pipeline.WithPage(t.deps.Page),
		pipeline.WithIDs(t.eventIDs),
		pipeline.WithTabID(t.tabID))
	t.pipe.Restore()

	t.coord = session.New(t.cfg.Session(), t.serial, t.records,
		recovery.NewManager(t.cfg.Recovery(), t.records), t.pipe, t.tabID,
		session.WithIDs(t.sessionIDs),
		session.WithSnapshot(t.snapshot))
	t.coord.SetHooks(session.Hooks{OnStart: t.sessionStarted, OnEnd: t.sessionEnded})
	t.coord.Init()

	if t.deps.Bus != nil {
		var opts []election.Option
		if t.rng != nil {
			opts = append(opts, election.WithRand(t.rng))
		}
		t.el = election.New(t.cfg.Election(), t.serial, t.records, t.deps.Bus,
			bus.Topic(t.cfg.ProjectID), t.tabID, t.coord, opts...)
		t.coord.SetAuthority(t.el)
		if err := t.el.Start(); err != nil {
			t.teardown()
			return newInitError("join election", err)
		}
	} else if _, err := t.coord.StartSession(); err != nil {
		t.teardown()
		return newInitError("start session", err)
	}

	t.initialized = true
	t.logger.Info("tracker initialized", "project", t.cfg.ProjectID, "user", t.userID, "coordinated", t.el != nil)
	return nil
}

func (t *Tracker) ready() error {
	switch {
	case t.stopped:
		return ErrStopped
	case !t.initialized:
		return errNotInitialized
	}
	return nil
}

func (t *Tracker) snapshot() map[string]string {
	return map[string]string{"page_url": t.deps.Page.URL(), "tab_id": t.tabID}
}

func (t *Tracker) sessionStarted(rec model.SessionRecord, originated bool) {
	if t.el != nil {
		t.el.SessionStarted(rec, originated)
	}
	for _, sub := range t.startSubs {
		fn := sub.fn
		t.serial.Defer(func() { fn(rec) })
	}
}

func (t *Tracker) sessionEnded(id string, reason model.EndReason, authoritative bool) {
	if t.el != nil {
		t.el.SessionEnded(id, reason, authoritative)
	}
	for _, sub := range t.endSubs {
		fn := sub.fn
		t.serial.Defer(func() { fn(id, reason) })
	}
}

// Track validates and queues e. Interaction events count as activity.
// Returns a *model.ValidationError for malformed events; delivery problems
// are never reported here.
func (t *Tracker) Track(e model.Event) error {
	var err error
	t.serial.Do(func() {
		if err = t.ready(); err != nil {
			return
		}
		if err = t.pipe.Track(e); err != nil {
			return
		}
		if e.Type.IsInteraction() {
			t.activity()
		}
	})
	return err
}

// Activity records a user activity signal (input, scroll, visibility)
// that produces no event.
func (t *Tracker) Activity(signal string) {
	t.serial.Do(func() {
		if t.ready() != nil {
			return
		}
		t.logger.Debug("activity", "signal", signal)
		t.activity()
	})
}

func (t *Tracker) activity() {
	if t.coord.OnActivity() {
		return
	}
	if t.el != nil {
		t.el.RequestSession()
		return
	}
	if _, err := t.coord.StartSession(); err != nil {
		t.logger.Debug("start on activity failed", "error", err)
	}
}

// Flush delivers everything queued and returns the number of events sent.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	var err error
	t.serial.Do(func() { err = t.ready() })
	if err != nil {
		return 0, err
	}
	return t.pipe.Flush(ctx)
}

// Stop ends the session with manual_stop, flushes, and shuts the tracker
// down.
func (t *Tracker) Stop(ctx context.Context) (session.EndResult, error) {
	var err error
	t.serial.Do(func() { err = t.ready() })
	if err != nil {
		return session.EndResult{}, err
	}
	res := t.coord.EndSessionManaged(ctx, model.EndManualStop)
	t.serial.Do(t.shutdown)
	return res, nil
}

// Unload ends the session for a page unload without yielding, hands the
// queue to the fire-and-forget transport, and shuts the tracker down.
func (t *Tracker) Unload() session.EndResult {
	return t.leave(model.EndPageUnload)
}

// CloseTab is Unload for a context that is closed rather than navigated.
func (t *Tracker) CloseTab() session.EndResult {
	return t.leave(model.EndTabClosed)
}

func (t *Tracker) leave(reason model.EndReason) session.EndResult {
	var res session.EndResult
	t.serial.Do(func() {
		if t.ready() != nil {
			return
		}
		res = t.coord.EndSessionManagedSync(reason)
		t.shutdown()
	})
	return res
}

// Abandon stops every timer without ending the session or telling the
// other contexts, the way a crashed context disappears.
func (t *Tracker) Abandon() {
	t.serial.Do(func() {
		if t.ready() != nil {
			return
		}
		t.teardown()
	})
}

func (t *Tracker) shutdown() {
	if t.stopped {
		return
	}
	if t.el != nil {
		t.el.Close()
	}
	t.coord.Stop()
	t.pipe.Close()
	t.stopped = true
	t.logger.Info("tracker stopped")
}

func (t *Tracker) teardown() {
	if t.el != nil {
		t.el.Abandon()
	}
	if t.coord != nil {
		t.coord.Stop()
	}
	if t.pipe != nil {
		t.pipe.Close()
	}
	t.stopped = true
}

// OnSessionStart registers fn for session starts, originated or adopted.
// The returned function removes the subscription.
func (t *Tracker) OnSessionStart(fn func(model.SessionRecord)) func() {
	var id int
	t.serial.Do(func() {
		t.nextSub++
		id = t.nextSub
		t.startSubs = append(t.startSubs, startSub{id: id, fn: fn})
	})
	return func() {
		t.serial.Do(func() {
			for i, sub := range t.startSubs {
				if sub.id == id {
					t.startSubs = append(t.startSubs[:i], t.startSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnSessionEnd registers fn for session ends seen by this context.
// The returned function removes the subscription.
func (t *Tracker) OnSessionEnd(fn func(id string, reason model.EndReason)) func() {
	var id int
	t.serial.Do(func() {
		t.nextSub++
		id = t.nextSub
		t.endSubs = append(t.endSubs, endSub{id: id, fn: fn})
	})
	return func() {
		t.serial.Do(func() {
			for i, sub := range t.endSubs {
				if sub.id == id {
					t.endSubs = append(t.endSubs[:i], t.endSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// TabID returns the context id.
func (t *Tracker) TabID() string {
	return t.tabID
}

// UserID returns the persisted user id, or "" before Init.
func (t *Tracker) UserID() string {
	var id string
	t.serial.Do(func() { id = t.userID })
	return id
}

// SessionID returns the active session id, or "".
func (t *Tracker) SessionID() string {
	var id string
	t.serial.Do(func() {
		if t.coord != nil && !t.stopped {
			id = t.coord.SessionID()
		}
	})
	return id
}

// IsLeader reports whether this context leads its project.
func (t *Tracker) IsLeader() bool {
	var leader bool
	t.serial.Do(func() {
		switch {
		case t.stopped || !t.initialized:
		case t.el == nil:
			leader = true
		default:
			leader = t.el.IsLeader()
		}
	})
	return leader
}

// QueueDepth returns the number of events waiting for delivery.
func (t *Tracker) QueueDepth() int {
	var n int
	t.serial.Do(func() {
		if t.pipe != nil {
			n = t.pipe.QueueDepth()
		}
	})
	return n
}

// Stats returns the pipeline counters.
func (t *Tracker) Stats() pipeline.Stats {
	var s pipeline.Stats
	t.serial.Do(func() {
		if t.pipe != nil {
			s = t.pipe.Stats()
		}
	})
	return s
}
