package election

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nacorga/tracelog/internal/bus"
	"github.com/nacorga/tracelog/internal/clock"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/session"
	"github.com/nacorga/tracelog/internal/store"
)

// Sessions is the coordinator surface the election drives.
// *session.Coordinator implements it.
type Sessions interface {
	State() session.State
	Current() model.SessionRecord
	SessionID() string
	StartSession() (model.SessionRecord, error)
	AdoptSession(rec model.SessionRecord) bool
	EndFromLeader(id string, reason model.EndReason) bool
	Heartbeat()
	ClaimOwnership() model.SessionRecord
}

// Config holds the protocol timings.
type Config struct {
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	LivenessMargin    time.Duration
	// StaleAfter is how long a leader may stay silent, both on the bus and
	// in the shared record, before followers replace it.
	StaleAfter     time.Duration
	MaxJitter      time.Duration
	SessionTimeout time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		ElectionTimeout:   2 * time.Second,
		LivenessMargin:    time.Second,
		StaleAfter:        15 * time.Second,
		MaxJitter:         500 * time.Millisecond,
		SessionTimeout:    15 * time.Minute,
	}
}

// Option configures an Election.
type Option func(*Election)

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(e *Election) {
		e.rng = r
	}
}

// Election runs the leadership protocol for one context.
type Election struct {
	cfg      Config
	serial   *clock.Serial
	records  *store.Records
	bus      bus.Bus
	topic    string
	tabID    string
	sessions Sessions
	rng      *rand.Rand
	logger   *slog.Logger

	state       State
	leaderSince int64

	leaderID       string
	lastLeaderSeen int64
	unsubscribe    func()
	electTask      *clock.Task
	promoteTask    *clock.Task
	deadman        *clock.Task
	tick           *clock.Task
}

// New creates an election for tabID on topic.
func New(cfg Config, serial *clock.Serial, records *store.Records, b bus.Bus, topic, tabID string, sessions Sessions, opts ...Option) *Election {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.HeartbeatInterval
	}
	e := &Election{
		cfg:      cfg,
		serial:   serial,
		records:  records,
		bus:      b,
		topic:    topic,
		tabID:    tabID,
		sessions: sessions,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:   slog.Default().With("component", "election", "tab", tabID),
		state:    Booting,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to the topic and begins the first election. A live
// session found in the shared record is adopted right away.
func (e *Election) Start() error {
	if e.state != Booting {
		return fmt.Errorf("election: start in state %s", e.state)
	}
	unsubscribe, err := e.bus.Subscribe(e.topic, func(m bus.Message) {
		e.serial.Do(func() { e.handle(m) })
	})
	if err != nil {
		return fmt.Errorf("election: subscribe: %w", err)
	}
	e.unsubscribe = unsubscribe

	now := e.serial.NowMillis()
	if rec, _ := e.records.LoadSession(); rec.OwnerTabID != e.tabID && rec.Live(now, e.cfg.StaleAfter.Milliseconds()) {
		e.sessions.AdoptSession(rec)
	}
	e.sessions.Heartbeat()
	e.scheduleElection(e.jitter())
	e.tick = e.serial.AfterFunc(e.cfg.HeartbeatInterval, e.onTick)
	return nil
}

// State returns the protocol position.
func (e *Election) State() State {
	return e.state
}

// IsLeader reports whether this context currently leads.
func (e *Election) IsLeader() bool {
	return e.state == Leader
}

// LeaderSince returns when this context became leader, or 0.
func (e *Election) LeaderSince() int64 {
	return e.leaderSince
}

// LeaderID returns the tab id of the known leader, which is this context's
// own id while it leads.
func (e *Election) LeaderID() string {
	return e.leaderID
}

// HasLivePeers reports whether another context heartbeated recently.
func (e *Election) HasLivePeers() bool {
	for _, tab := range e.records.LiveTabs(e.serial.NowMillis(), e.cfg.StaleAfter.Milliseconds()) {
		if tab.TabID != e.tabID {
			return true
		}
	}
	return false
}

// RequestSession asks for a session after activity was seen with none
// active. The leader starts one; a follower asks its leader.
func (e *Election) RequestSession() {
	switch e.state {
	case Leader:
		if _, err := e.sessions.StartSession(); err != nil {
			e.logger.Debug("start on request failed", "error", err)
		}
	case Follower:
		e.publish(bus.ElectionRequest, "", "")
	}
}

// SessionStarted broadcasts a session this context originated.
func (e *Election) SessionStarted(rec model.SessionRecord, originated bool) {
	if originated && e.state == Leader {
		e.publish(bus.SessionStart, rec.ID, "")
	}
}

// SessionEnded broadcasts an authoritative end.
func (e *Election) SessionEnded(id string, reason model.EndReason, authoritative bool) {
	if authoritative && e.state == Leader {
		e.publish(bus.SessionEnd, id, string(reason))
	}
}

// Close leaves the protocol gracefully: ownership is released, peers are
// told, and the tab record is removed.
func (e *Election) Close() {
	if e.state == Closed {
		return
	}
	if e.state == Leader {
		if rec, _ := e.records.LoadSession(); rec.OwnerTabID == e.tabID {
			rec.OwnerTabID = ""
			rec.LeaderSince = 0
			e.records.SaveSession(rec)
		}
	}
	e.publish(bus.TabClosing, "", "")
	e.records.RemoveTab(e.tabID)
	e.teardown()
	e.logger.Info("left election")
}

// Abandon stops without telling anyone, as a crashed context would.
func (e *Election) Abandon() {
	if e.state == Closed {
		return
	}
	e.teardown()
}

func (e *Election) teardown() {
	e.cancelElection()
	e.deadman.Stop()
	e.tick.Stop()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.setState(Closed)
	e.leaderID = ""
	e.leaderSince = 0
}

func (e *Election) setState(to State) {
	if e.state == to {
		return
	}
	if !CanTransition(e.state, to) {
		e.logger.Debug("ignoring transition", "from", e.state, "to", to)
		return
	}
	e.state = to
}

func (e *Election) jitter() time.Duration {
	if e.cfg.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int64N(int64(e.cfg.MaxJitter)))
}

// scheduleElection sends an election request after delay and promotes if
// nobody answers within the election timeout. The dead-man timer forces the
// decision once the liveness margin has also passed.
func (e *Election) scheduleElection(delay time.Duration) {
	e.setState(Electing)
	e.cancelElection()
	e.electTask = e.serial.AfterFunc(delay, func() {
		if e.state != Electing || e.leaderFresh() {
			return
		}
		e.publish(bus.ElectionRequest, "", "")
		e.promoteTask = e.serial.AfterFunc(e.cfg.ElectionTimeout, e.tryPromote)
	})
	e.deadman.Stop()
	e.deadman = e.serial.AfterFunc(delay+e.cfg.ElectionTimeout+e.cfg.LivenessMargin, func() {
		if e.state != Leader && e.state != Closed && !e.leaderFresh() {
			e.logger.Debug("dead-man timer fired")
			e.tryPromote()
		}
	})
}

func (e *Election) cancelElection() {
	e.electTask.Stop()
	e.promoteTask.Stop()
}

func (e *Election) leaderFresh() bool {
	return e.leaderID != "" && e.leaderID != e.tabID &&
		e.serial.NowMillis()-e.lastLeaderSeen <= e.cfg.StaleAfter.Milliseconds()
}

// freshOwner returns the shared record when it names another context that
// heartbeated recently.
func (e *Election) freshOwner() (model.SessionRecord, bool) {
	rec, _ := e.records.LoadSession()
	if rec.OwnerTabID == "" || rec.OwnerTabID == e.tabID {
		return rec, false
	}
	return rec, e.serial.NowMillis()-rec.Heartbeat <= e.cfg.StaleAfter.Milliseconds()
}

func (e *Election) tryPromote() {
	if e.state == Leader || e.state == Closed {
		return
	}
	if e.leaderFresh() {
		e.setState(Follower)
		return
	}
	if rec, ok := e.freshOwner(); ok {
		e.follow(rec.OwnerTabID, rec.LeaderSince, rec.Heartbeat)
		e.reconcile(rec)
		return
	}
	e.promote()
}

func (e *Election) promote() {
	now := e.serial.NowMillis()
	e.cancelElection()
	e.deadman.Stop()
	e.setState(Leader)
	e.leaderID = e.tabID
	e.leaderSince = now

	if e.sessions.State() != session.Active {
		rec, _ := e.records.LoadSession()
		if rec.ID != "" && !rec.Ended && now-rec.LastActivity <= e.cfg.SessionTimeout.Milliseconds() {
			e.sessions.AdoptSession(rec)
		}
	}
	if e.sessions.State() == session.Active {
		e.sessions.ClaimOwnership()
	} else if _, err := e.sessions.StartSession(); err != nil {
		e.logger.Debug("start on promotion failed", "error", err)
		e.sessions.ClaimOwnership()
	}
	e.sessions.Heartbeat()
	e.publish(bus.ElectionResponse, e.sessions.SessionID(), "")
	e.logger.Info("promoted to leader", "session", e.sessions.SessionID())
}

func (e *Election) stepDown() {
	e.setState(Follower)
	e.leaderSince = 0
	e.logger.Info("stepped down")
}

func (e *Election) follow(leaderID string, since, seen int64) {
	if e.leaderID != leaderID {
		e.logger.Info("following leader", "leader", leaderID, "since", since)
	}
	e.leaderID = leaderID
	e.lastLeaderSeen = max(e.lastLeaderSeen, seen)
	e.cancelElection()
	e.setState(Follower)
}

// outranks reports whether a leader that took over at since with tab id
// owner precedes this context's own leadership.
func (e *Election) outranks(since int64, owner string) bool {
	if since != e.leaderSince {
		return since < e.leaderSince
	}
	return owner < e.tabID
}

func (e *Election) handle(m bus.Message) {
	if e.state == Closed || e.state == Booting || m.From == e.tabID {
		return
	}
	switch m.Type {
	case bus.ElectionRequest:
		if e.state != Leader {
			return
		}
		if e.sessions.State() != session.Active {
			if _, err := e.sessions.StartSession(); err != nil {
				e.logger.Debug("start on request failed", "error", err)
			}
		}
		e.publish(bus.ElectionResponse, e.sessions.SessionID(), "")
	case bus.ElectionResponse, bus.Heartbeat, bus.SessionStart:
		if m.IsLeader {
			e.observeLeader(m)
		}
	case bus.SessionEnd:
		if m.From != e.leaderID {
			e.logger.Debug("ignoring session_end from non-leader", "from", m.From)
			return
		}
		e.sessions.EndFromLeader(m.SessionID, model.EndReason(m.Reason))
	case bus.TabClosing:
		if m.From == e.leaderID && e.state == Follower {
			e.logger.Info("leader closed", "leader", m.From)
			e.leaderID = ""
			e.scheduleElection(e.jitter())
		}
	}
}

func (e *Election) observeLeader(m bus.Message) {
	if e.state == Leader {
		if !e.outranks(m.LeaderSince, m.From) {
			e.publish(bus.ElectionResponse, e.sessions.SessionID(), "")
			return
		}
		e.stepDown()
	}
	e.follow(m.From, m.LeaderSince, e.serial.NowMillis())

	current := e.sessions.SessionID()
	switch {
	case m.SessionID == "" && m.Type == bus.Heartbeat && current != "":
		// The leader has no session: its end never reached us.
		reason := model.EndInactivity
		if rec, _ := e.records.LoadSession(); rec.ID == current && rec.Ended && rec.EndReason != "" {
			reason = rec.EndReason
		}
		e.sessions.EndFromLeader(current, reason)
	case m.SessionID != "" && m.SessionID != current:
		rec, _ := e.records.LoadSession()
		if rec.ID != m.SessionID {
			rec = model.SessionRecord{ID: m.SessionID, Epoch: m.Epoch, OwnerTabID: m.From, LeaderSince: m.LeaderSince}
		}
		e.sessions.AdoptSession(rec)
	}
}

func (e *Election) onTick() {
	if e.state == Closed {
		return
	}
	e.tick = e.serial.AfterFunc(e.cfg.HeartbeatInterval, e.onTick)

	if e.state == Leader {
		if rec, ok := e.freshOwner(); ok && e.outranks(rec.LeaderSince, rec.OwnerTabID) {
			e.stepDown()
			e.follow(rec.OwnerTabID, rec.LeaderSince, rec.Heartbeat)
			e.reconcile(rec)
			return
		}
		if rec, _ := e.records.LoadSession(); rec.OwnerTabID != e.tabID {
			e.sessions.ClaimOwnership()
		}
		e.sessions.Heartbeat()
		e.publish(bus.Heartbeat, e.sessions.SessionID(), "")
		return
	}

	e.sessions.Heartbeat()
	rec, fresh := e.freshOwner()
	if fresh {
		e.follow(rec.OwnerTabID, rec.LeaderSince, rec.Heartbeat)
	}
	if e.state == Follower && !e.leaderFresh() {
		e.logger.Info("leader lost", "leader", e.leaderID)
		e.leaderID = ""
		e.scheduleElection(e.jitter())
		return
	}
	if e.state == Follower {
		e.reconcile(rec)
	}
}

// reconcile brings a follower's session in line with the shared record.
// It repairs missed session_start and session_end messages.
func (e *Election) reconcile(rec model.SessionRecord) {
	if rec.ID == "" {
		return
	}
	current := e.sessions.Current()
	switch {
	case rec.Ended && rec.ID == current.ID:
		e.sessions.EndFromLeader(rec.ID, rec.EndReason)
	case rec.Ended:
	case rec.ID == current.ID || rec.Epoch > current.Epoch:
		e.sessions.AdoptSession(rec)
	}
}

func (e *Election) epoch() int64 {
	if current := e.sessions.Current(); current.ID != "" {
		return current.Epoch
	}
	rec, _ := e.records.LoadSession()
	return rec.Epoch
}

func (e *Election) publish(t bus.MessageType, sessionID, reason string) {
	msg := bus.Message{
		Type:        t,
		From:        e.tabID,
		SessionID:   sessionID,
		IsLeader:    e.state == Leader,
		Reason:      reason,
		Epoch:       e.epoch(),
		LeaderSince: e.leaderSince,
		SentAt:      e.serial.NowMillis(),
	}
	if err := e.bus.Publish(e.topic, msg); err != nil {
		e.logger.Debug("publish failed", "type", t, "error", err)
	}
}
