package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nacorga/tracelog/internal/clock"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/recovery"
	"github.com/nacorga/tracelog/internal/store"
)

// ErrStopped is returned by operations on a stopped coordinator.
var ErrStopped = errors.New("session: coordinator stopped")

// Sink is the part of the delivery pipeline the coordinator drives.
// *pipeline.Pipeline implements it.
type Sink interface {
	AssignSession(id string)
	Enqueue(sessionID string, e model.Event)
	Flush(ctx context.Context) (int, error)
	FlushNow() (int, string)
}

// Authority answers leadership questions for the coordinator.
type Authority interface {
	IsLeader() bool
	LeaderSince() int64
	HasLivePeers() bool
}

// solo is the authority of a context that coordinates with nobody.
type solo struct{}

func (solo) IsLeader() bool     { return true }
func (solo) LeaderSince() int64 { return 0 }
func (solo) HasLivePeers() bool { return false }

// Hooks observe lifecycle changes. They run on the serial executor and must
// not block; anything slow belongs in clock.Serial.Defer.
type Hooks struct {
	// OnStart fires when this context becomes Active. originated is true when
	// this context minted or resumed the session, false when it adopted it.
	OnStart func(rec model.SessionRecord, originated bool)
	// OnEnd fires once per accepted end.
	OnEnd func(id string, reason model.EndReason, authoritative bool)
}

// Config holds the lifecycle timings.
type Config struct {
	SessionTimeout    time.Duration
	ActivityThrottle  time.Duration
	HeartbeatInterval time.Duration
	// OrphanAfter is how stale a stored heartbeat must be before the session
	// it belongs to is treated as abandoned.
	OrphanAfter time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:    15 * time.Minute,
		ActivityThrottle:  time.Second,
		HeartbeatInterval: 5 * time.Second,
		OrphanAfter:       15 * time.Second,
	}
}

// Rejection explains why an end request was not accepted.
type Rejection string

const (
	NotRejected          Rejection = ""
	RejectedInvalid      Rejection = "invalid_reason"
	RejectedNoSession    Rejection = "no_session"
	RejectedSuperseded   Rejection = "superseded"
	RejectedAlreadyEnded Rejection = "already_ended"
)

// End paths reported in EndResult.Method.
const (
	MethodAsync = "async"
	MethodSync  = "sync"
)

// EndResult describes the outcome of an end request.
type EndResult struct {
	Success       bool
	Reason        model.EndReason
	SessionID     string
	EventsFlushed int
	// Method is MethodAsync or MethodSync; Delivery is what the pipeline
	// reported for the flush ("request", "fire_and_forget", "persisted",
	// "none") or "failed".
	Method   string
	Delivery string
	// Duplicate is set when the request chained onto an end already in
	// flight.
	Duplicate bool
	Rejected  Rejection
	// Recorded is the reason of the end that caused a rejection.
	Recorded model.EndReason
}

type endCall struct {
	done   chan struct{}
	result EndResult
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDs sets the session id generator.
func WithIDs(ids model.IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = ids
	}
}

// WithSnapshot sets the function capturing context stored with recovery
// attempts.
func WithSnapshot(f func() map[string]string) Option {
	return func(c *Coordinator) {
		c.snapshot = f
	}
}

// Coordinator owns the session lifecycle of one context.
//
// Thread-safety: every method except EndSessionManaged must be called on
// the owning clock.Serial. EndSessionManaged takes the serial lock itself
// and flushes without it.
type Coordinator struct {
	cfg       Config
	serial    *clock.Serial
	records   *store.Records
	recovery  *recovery.Manager
	sink      Sink
	tabID     string
	ids       model.IDGenerator
	authority Authority
	hooks     Hooks
	snapshot  func() map[string]string
	logger    *slog.Logger

	state        State
	current      model.SessionRecord
	lastActivity int64
	inactivity   *clock.Task

	endedID     string
	endedReason model.EndReason
	endedEpoch  int64
	inflight    *endCall
	duplicates  int
	stopped     bool
}

// New creates an idle coordinator for tabID.
func New(cfg Config, serial *clock.Serial, records *store.Records, rec *recovery.Manager, sink Sink, tabID string, opts ...Option) *Coordinator {
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 3 * cfg.HeartbeatInterval
	}
	c := &Coordinator{
		cfg:       cfg,
		serial:    serial,
		records:   records,
		recovery:  rec,
		sink:      sink,
		tabID:     tabID,
		ids:       model.UUIDv7Generator{},
		authority: solo{},
		snapshot:  func() map[string]string { return nil },
		logger:    slog.Default().With("component", "session", "tab", tabID),
		state:     Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthority installs the leadership source. A nil authority makes this
// context its own leader.
func (c *Coordinator) SetAuthority(a Authority) {
	if a == nil {
		a = solo{}
	}
	c.authority = a
}

// SetHooks installs the lifecycle observers.
func (c *Coordinator) SetHooks(h Hooks) {
	c.hooks = h
}

// Init looks for a session abandoned by a context that died without ending
// it. The orphan is recorded as a recovery candidate and marked ended with
// orphaned_cleanup; its terminal event is queued only when it cannot be
// resumed.
func (c *Coordinator) Init() {
	now := c.serial.NowMillis()
	rec, ok := c.records.LoadSession()
	if !ok || rec.Ended || now-rec.Heartbeat <= c.cfg.OrphanAfter.Milliseconds() {
		return
	}

	c.recovery.Note(rec)
	candidate, recoverable := c.recovery.Candidate(now)
	recoverable = recoverable && candidate.SessionID == rec.ID
	if !recoverable {
		c.sink.Enqueue(rec.ID, endEvent(model.EndOrphanedCleanup, max(rec.Heartbeat, rec.LastActivity)))
	}
	c.updateStored(rec.ID, func(r *model.SessionRecord) {
		r.Ended = true
		r.EndReason = model.EndOrphanedCleanup
	})
	c.logger.Info("orphaned session cleaned up", "session", rec.ID, "recoverable", recoverable)
}

// StartSession originates a session: it resumes the recovery candidate when
// there is one and mints a fresh id otherwise. Idempotent while Active.
func (c *Coordinator) StartSession() (model.SessionRecord, error) {
	if c.stopped {
		return model.SessionRecord{}, ErrStopped
	}
	if c.state == Active {
		return c.current, nil
	}
	if !CanTransition(c.state, Active) {
		return model.SessionRecord{}, &TransitionError{From: c.state, To: Active}
	}

	now := c.serial.NowMillis()
	rec := model.SessionRecord{
		StartTime:    now,
		LastActivity: now,
		Heartbeat:    now,
		OwnerTabID:   c.tabID,
		LeaderSince:  c.authority.LeaderSince(),
	}
	if attempt, ok := c.recovery.Recover(now, c.snapshot()); ok {
		rec.ID = attempt.SessionID
		rec.StartTime = attempt.StartTime
		rec.Recovered = true
	} else {
		rec.ID = c.ids.Generate()
		c.recovery.Begin(rec.ID, now, now)
	}
	stored, _ := c.records.LoadSession()
	rec.Epoch = max(stored.Epoch, c.current.Epoch, c.endedEpoch) + 1
	rec.TabCount = max(len(c.records.LiveTabs(now, c.cfg.OrphanAfter.Milliseconds())), 1)
	c.records.SaveSession(rec)

	c.sink.Enqueue(rec.ID, model.Event{
		Type:         model.EventSessionStart,
		Timestamp:    now,
		SessionStart: &model.SessionStartData{Recovered: rec.Recovered},
	})
	c.activate(rec, true)
	c.logger.Info("session started", "session", rec.ID, "recovered", rec.Recovered, "epoch", rec.Epoch)
	return rec, nil
}

// AdoptSession makes rec, originated by another context, the active session
// here. No boundary event is emitted. Returns false when rec is ended, is a
// stale copy of a session this context already ended, or arrives while an
// end is being flushed.
func (c *Coordinator) AdoptSession(rec model.SessionRecord) bool {
	if c.stopped || rec.ID == "" || rec.Ended {
		return false
	}
	if rec.ID == c.endedID && rec.Epoch <= c.endedEpoch {
		return false
	}
	switch c.state {
	case Ending:
		return false
	case Active:
		if rec.ID == c.current.ID {
			c.current = model.Reconcile(c.current, rec)
			return true
		}
		c.logger.Debug("switching session", "from", c.current.ID, "to", rec.ID)
	}
	c.activate(rec, false)
	c.logger.Debug("session adopted", "session", rec.ID, "owner", rec.OwnerTabID)
	return true
}

func (c *Coordinator) activate(rec model.SessionRecord, originated bool) {
	now := c.serial.NowMillis()
	if rec.LastActivity == 0 {
		rec.LastActivity = now
	}
	c.state = Active
	c.current = rec
	c.lastActivity = now
	c.sink.AssignSession(rec.ID)
	c.armInactivity(c.cfg.SessionTimeout)
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(rec, originated)
	}
}

// OnActivity records user activity. It re-arms the inactivity timer and
// publishes the activity to the shared record at most once per throttle
// window. Returns false when no session is active.
func (c *Coordinator) OnActivity() bool {
	if c.stopped || c.state != Active {
		return false
	}
	now := c.serial.NowMillis()
	if now-c.lastActivity < c.cfg.ActivityThrottle.Milliseconds() {
		return true
	}
	c.lastActivity = now
	c.current.LastActivity = max(c.current.LastActivity, now)
	c.armInactivity(c.cfg.SessionTimeout)
	c.updateStored(c.current.ID, func(r *model.SessionRecord) {
		r.LastActivity = max(r.LastActivity, now)
	})
	return true
}

func (c *Coordinator) armInactivity(d time.Duration) {
	c.inactivity.Stop()
	c.inactivity = c.serial.AfterFunc(d, c.checkInactivity)
}

// checkInactivity runs when the inactivity timer fires. Followers only
// re-arm; the leader ends the session unless some context was active
// recently.
func (c *Coordinator) checkInactivity() {
	if c.state != Active {
		return
	}
	timeout := c.cfg.SessionTimeout.Milliseconds()
	if !c.authority.IsLeader() {
		c.armInactivity(c.cfg.SessionTimeout)
		return
	}
	last := c.current.LastActivity
	if rec, ok := c.records.LoadSession(); ok && rec.ID == c.current.ID {
		last = max(last, rec.LastActivity)
	}
	idle := c.serial.NowMillis() - last
	if idle < timeout {
		c.armInactivity(time.Duration(timeout-idle) * time.Millisecond)
		return
	}
	c.serial.Defer(func() {
		c.EndSessionManaged(context.Background(), model.EndInactivity)
	})
}

// EndSessionManaged ends the active session for reason and flushes what is
// queued. Concurrent calls chain onto the end already in flight and are
// counted as duplicates. Must be called outside the serial executor.
func (c *Coordinator) EndSessionManaged(ctx context.Context, reason model.EndReason) EndResult {
	var (
		call  *endCall
		res   EndResult
		chain bool
	)
	c.serial.Do(func() {
		call, res, chain = c.beginEnd(reason)
	})
	if call == nil {
		return res
	}
	if chain {
		select {
		case <-call.done:
			r := call.result
			r.Duplicate = true
			return r
		case <-ctx.Done():
			return EndResult{Reason: reason, SessionID: call.result.SessionID, Method: MethodAsync, Duplicate: true}
		}
	}

	delivery := "request"
	flushed, err := c.sink.Flush(ctx)
	if err != nil {
		c.logger.Debug("end flush failed", "session", call.result.SessionID, "error", err)
		delivery = "failed"
	}
	c.serial.Do(func() {
		c.finishEnd(call, flushed, delivery)
	})
	return call.result
}

// EndSessionManagedSync ends the active session without yielding the serial
// executor, delivering through the fire-and-forget path. Used on unload.
// Must be called on the serial executor.
func (c *Coordinator) EndSessionManagedSync(reason model.EndReason) EndResult {
	call, res, chain := c.beginEnd(reason)
	if call == nil {
		return res
	}
	flushed, delivery := c.sink.FlushNow()
	if chain {
		r := call.result
		r.Duplicate = true
		r.Method = MethodSync
		r.EventsFlushed = flushed
		r.Delivery = delivery
		return r
	}
	call.result.Method = MethodSync
	c.finishEnd(call, flushed, delivery)
	return call.result
}

// beginEnd validates and records an end. It returns a nil call with the
// rejection when the request is refused, or the in-flight call with chain
// set when another end is already being flushed.
func (c *Coordinator) beginEnd(reason model.EndReason) (*endCall, EndResult, bool) {
	if !reason.Valid() {
		return nil, EndResult{Reason: reason, Rejected: RejectedInvalid}, false
	}
	if c.inflight != nil {
		c.duplicates++
		return c.inflight, EndResult{}, true
	}
	if c.state != Active {
		return nil, c.reject(reason), false
	}

	id := c.current.ID
	now := c.serial.NowMillis()
	authoritative := c.authoritative(reason)
	c.state = Ending
	c.endedID, c.endedReason, c.endedEpoch = id, reason, c.current.Epoch
	c.inactivity.Stop()

	if authoritative {
		c.sink.Enqueue(id, endEvent(reason, now))
		c.updateStored(id, func(r *model.SessionRecord) {
			r.Ended = true
			r.EndReason = reason
		})
	}
	if authoritative && (reason == model.EndManualStop || reason == model.EndInactivity) {
		c.recovery.Close(id, now)
	} else {
		c.recovery.Touch(id, now)
	}
	c.sink.AssignSession("")
	if c.hooks.OnEnd != nil {
		c.hooks.OnEnd(id, reason, authoritative)
	}
	c.logger.Info("session ending", "session", id, "reason", reason, "authoritative", authoritative)

	call := &endCall{
		done:   make(chan struct{}),
		result: EndResult{Success: true, Reason: reason, SessionID: id, Method: MethodAsync},
	}
	c.inflight = call
	return call, EndResult{}, false
}

func (c *Coordinator) finishEnd(call *endCall, flushed int, delivery string) {
	call.result.EventsFlushed = flushed
	call.result.Delivery = delivery
	if c.inflight == call {
		c.inflight = nil
	}
	if c.state == Ending {
		c.state = Ended
	}
	close(call.done)
}

func (c *Coordinator) reject(reason model.EndReason) EndResult {
	if c.endedID == "" {
		return EndResult{Reason: reason, Rejected: RejectedNoSession}
	}
	res := EndResult{Reason: reason, SessionID: c.endedID, Recorded: c.endedReason}
	if c.endedReason.Priority() >= reason.Priority() {
		res.Rejected = RejectedSuperseded
	} else {
		res.Rejected = RejectedAlreadyEnded
	}
	c.logger.Debug("end rejected", "session", c.endedID, "reason", reason, "recorded", c.endedReason)
	return res
}

// authoritative reports whether an end for reason terminates the session for
// every context. Leaving one context while others are still alive does not.
func (c *Coordinator) authoritative(reason model.EndReason) bool {
	if !c.authority.IsLeader() {
		return false
	}
	if reason == model.EndPageUnload || reason == model.EndTabClosed {
		return !c.authority.HasLivePeers()
	}
	return true
}

// EndFromLeader applies an end announced by the leader. Events still queued
// for the session are flushed once the executor yields.
func (c *Coordinator) EndFromLeader(id string, reason model.EndReason) bool {
	if c.state != Active || c.current.ID != id {
		return false
	}
	c.state = Ended
	c.endedID, c.endedReason, c.endedEpoch = id, reason, c.current.Epoch
	c.inactivity.Stop()
	c.sink.AssignSession("")
	if c.hooks.OnEnd != nil {
		c.hooks.OnEnd(id, reason, false)
	}
	c.logger.Info("session ended by leader", "session", id, "reason", reason)
	c.serial.Defer(func() {
		if _, err := c.sink.Flush(context.Background()); err != nil {
			c.logger.Debug("flush after leader end failed", "error", err)
		}
	})
	return true
}

// Heartbeat refreshes this context's tab record. The leader also stamps the
// shared record's heartbeat and tab count and keeps the recovery candidate
// fresh.
func (c *Coordinator) Heartbeat() {
	now := c.serial.NowMillis()
	leader := c.authority.IsLeader()
	c.records.SaveTab(model.TabInfo{
		TabID:         c.tabID,
		LastHeartbeat: now,
		IsLeader:      leader,
		SessionID:     c.SessionID(),
	})
	if !leader {
		return
	}
	tabs := len(c.records.LiveTabs(now, c.cfg.OrphanAfter.Milliseconds()))
	c.records.UpdateSession(func(r *model.SessionRecord) {
		if r.OwnerTabID != "" && r.OwnerTabID != c.tabID {
			return
		}
		r.OwnerTabID = c.tabID
		r.Heartbeat = max(r.Heartbeat, now)
		r.TabCount = max(tabs, 1)
	})
	if c.state == Active {
		c.current.Heartbeat = now
		c.recovery.Touch(c.current.ID, now)
	}
}

// ClaimOwnership stamps the shared record with this context as owner under
// a new epoch. The active session, if any, is written into the record.
func (c *Coordinator) ClaimOwnership() model.SessionRecord {
	now := c.serial.NowMillis()
	active := c.state == Active
	rec := c.records.UpdateSession(func(r *model.SessionRecord) {
		if active {
			if r.ID != c.current.ID {
				*r = c.current
				r.Ended, r.EndReason = false, ""
			} else {
				r.LastActivity = max(r.LastActivity, c.current.LastActivity)
			}
		}
		r.Epoch = max(r.Epoch, c.current.Epoch) + 1
		r.OwnerTabID = c.tabID
		r.LeaderSince = c.authority.LeaderSince()
		r.Heartbeat = now
	})
	if active {
		c.current.Epoch = rec.Epoch
		c.current.OwnerTabID = rec.OwnerTabID
		c.current.LeaderSince = rec.LeaderSince
		c.current.Heartbeat = now
	}
	c.logger.Debug("ownership claimed", "epoch", rec.Epoch, "session", rec.ID)
	return rec
}

// Stop cancels timers. A stopped coordinator starts and adopts nothing.
func (c *Coordinator) Stop() {
	c.stopped = true
	c.inactivity.Stop()
}

// State returns the lifecycle position.
func (c *Coordinator) State() State {
	return c.state
}

// Current returns the active session record, or the zero record.
func (c *Coordinator) Current() model.SessionRecord {
	if c.state != Active {
		return model.SessionRecord{}
	}
	return c.current
}

// SessionID returns the active session id, or "".
func (c *Coordinator) SessionID() string {
	return c.Current().ID
}

// Duplicates returns how many end requests chained onto one in flight.
func (c *Coordinator) Duplicates() int {
	return c.duplicates
}

// updateStored applies fn to the shared record if it still describes id.
func (c *Coordinator) updateStored(id string, fn func(r *model.SessionRecord)) bool {
	rec, ok := c.records.LoadSession()
	if !ok || rec.ID != id {
		return false
	}
	fn(&rec)
	c.records.SaveSession(rec)
	return true
}

func endEvent(reason model.EndReason, ts int64) model.Event {
	return model.Event{
		Type:       model.EventSessionEnd,
		Timestamp:  ts,
		SessionEnd: &model.SessionEndData{Reason: reason},
	}
}
