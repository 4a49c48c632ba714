package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nacorga/tracelog/internal/clock"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/sampling"
	"github.com/nacorga/tracelog/internal/store"
	"github.com/nacorga/tracelog/internal/transport"
)

// Delivery methods reported by flushes.
const (
	MethodNone          = "none"
	MethodRequest       = "request"
	MethodFireAndForget = "fire_and_forget"
	MethodPersisted     = "persisted"
)

// ErrCircuitOpen is returned by Flush while the breaker refuses attempts.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes the pipeline.
type Config struct {
	Endpoint        string
	QueueCapacity   int
	PendingCapacity int
	FlushInterval   time.Duration
	DedupWindow     time.Duration
	RequestTimeout  time.Duration
	BackupFreshness time.Duration
	// TabStaleAfter is how old a peer's heartbeat must be before its
	// backup may be taken over.
	TabStaleAfter time.Duration
	// RateLimit is the number of events admitted per second. Zero or
	// negative disables the limit.
	RateLimit      int
	Breaker        BreakerConfig
	Device         string
	GlobalMetadata map[string]any
}

// DefaultConfig returns the standard pipeline limits.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   100,
		PendingCapacity: 100,
		FlushInterval:   10 * time.Second,
		DedupWindow:     500 * time.Millisecond,
		RequestTimeout:  10 * time.Second,
		BackupFreshness: 2 * time.Hour,
		TabStaleAfter:   15 * time.Second,
		RateLimit:       50,
		Breaker:         DefaultBreakerConfig(),
		Device:          model.DeviceUnknown,
	}
}

// Stats counts what happened to tracked events.
type Stats struct {
	Accepted     int `json:"accepted"`
	Deduplicated int `json:"deduplicated"`
	SampledOut   int `json:"sampled_out"`
	RateLimited  int `json:"rate_limited"`
	Invalid      int `json:"invalid"`
	Dropped      int `json:"dropped"`
	Delivered    int `json:"delivered"`
	FailedSends  int `json:"failed_sends"`
	Skipped      int `json:"skipped"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOracle sets the sampling oracle. The default admits everyone.
func WithOracle(o *sampling.Oracle) Option {
	return func(p *Pipeline) {
		p.oracle = o
	}
}

// WithPage sets the page accessor used to fill event URLs.
func WithPage(page model.PageContext) Option {
	return func(p *Pipeline) {
		p.page = page
	}
}

// WithTabID names the context that owns the pipeline's backup.
func WithTabID(id string) Option {
	return func(p *Pipeline) {
		p.tabID = id
	}
}

// WithIDs sets the event id generator.
func WithIDs(ids model.IDGenerator) Option {
	return func(p *Pipeline) {
		p.ids = ids
	}
}

// Pipeline is the event delivery pipeline of one context.
//
// Thread-safety: every method except Flush must be called on the owning
// clock.Serial (inside Do or a task callback). Flush must be called outside
// it: it takes the serial lock itself and performs network I/O without it.
type Pipeline struct {
	cfg       Config
	serial    *clock.Serial
	records   *store.Records
	transport transport.Transport
	userID    string
	tabID     string
	oracle    *sampling.Oracle
	page      model.PageContext
	ids       model.IDGenerator
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue    *Queue
	pending  *Pending
	breaker  *Breaker
	limiter  *rate.Limiter
	backup   *Backup
	stats    Stats
	failures int
	// recent maps dedup keys to their accept time. It outlives the queue
	// contents so a flush does not reopen the dedup window.
	recent map[string]int64

	sessionID string
	flushTask *clock.Task
	retryTask *clock.Task
	inflight  chan struct{}
	closed    bool
}

// New creates a pipeline delivering to tr on behalf of userID.
func New(cfg Config, serial *clock.Serial, records *store.Records, tr transport.Transport, userID string, opts ...Option) *Pipeline {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		serial:    serial,
		records:   records,
		transport: tr,
		userID:    userID,
		oracle:    sampling.NewOracle(1),
		page:      model.NewStaticPage("", ""),
		ids:       model.UUIDv7Generator{},
		logger:    slog.Default().With("component", "pipeline"),
		ctx:       ctx,
		cancel:    cancel,
		queue:     NewQueue(cfg.QueueCapacity, cfg.DedupWindow.Milliseconds()),
		pending:   NewPending(cfg.PendingCapacity),
		breaker:   NewBreaker(cfg.Breaker),
		limiter:   rate.NewLimiter(limit, max(cfg.RateLimit, 1)),
		recent:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.backup = NewBackup(records, userID, p.tabID, cfg.BackupFreshness, cfg.TabStaleAfter)
	return p
}

// Restore loads the persisted breaker state and retries fresh backups of
// undelivered events: this context's own and those left by contexts that
// are no longer live. Stale backups are discarded.
func (p *Pipeline) Restore() {
	var state BreakerState
	if p.records.LoadJSON("breaker", &state) {
		p.breaker.Restore(state)
	}

	items, failures, ok := p.backup.Load(p.serial.NowMillis())
	if !ok {
		return
	}
	p.failures = failures
	if evicted := p.queue.Requeue(items); evicted > 0 {
		p.stats.Dropped += evicted
	}
	p.logger.Info("retrying backed up events", "events", len(items), "failures", failures)
	p.scheduleRetry(p.breaker.RetryIn(p.serial.NowMillis()))
}

// Track validates e and, once a session exists, admits it into the queue.
// Returns a *model.ValidationError for malformed events; delivery problems
// are never reported here.
func (p *Pipeline) Track(e model.Event) error {
	if err := e.Validate(); err != nil {
		p.stats.Invalid++
		p.logger.Warn("dropping invalid event", "error", err)
		return err
	}
	if e.Type.IsBoundary() {
		p.stats.Invalid++
		err := &model.ValidationError{Type: e.Type, Message: "reserved for session lifecycle"}
		p.logger.Warn("dropping invalid event", "error", err)
		return err
	}
	if p.closed {
		return nil
	}
	p.fill(&e)

	if p.sessionID == "" {
		if p.pending.Add(e) {
			p.stats.Dropped++
		}
		return nil
	}
	p.admit(e)
	return nil
}

// AssignSession routes future events to id and replays the pending buffer
// in arrival order. An empty id detaches the pipeline from any session.
func (p *Pipeline) AssignSession(id string) {
	p.sessionID = id
	if id == "" {
		return
	}
	for _, e := range p.pending.Drain() {
		p.admit(e)
	}
}

// SessionID returns the session events are currently routed to.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Enqueue queues a boundary event for sessionID, bypassing admission.
func (p *Pipeline) Enqueue(sessionID string, e model.Event) {
	if p.closed {
		return
	}
	p.fill(&e)
	p.push(Item{Event: e, SessionID: sessionID, Fingerprint: fingerprintOf(e)})
}

func (p *Pipeline) fill(e *model.Event) {
	if e.ID == "" {
		e.ID = p.ids.Generate()
	}
	if e.Timestamp == 0 {
		e.Timestamp = p.serial.NowMillis()
	}
	if e.PageURL == "" {
		e.PageURL = p.page.URL()
	}
	if e.Referrer == "" {
		e.Referrer = p.page.Referrer()
	}
}

func (p *Pipeline) admit(e model.Event) {
	if !p.oracle.AdmitChannel(p.userID, e.Channel()) {
		p.stats.SampledOut++
		return
	}
	if !p.limiter.AllowN(p.serial.Now(), 1) {
		p.stats.RateLimited++
		return
	}
	p.push(Item{Event: e, SessionID: p.sessionID, Fingerprint: fingerprintOf(e)})
}

func (p *Pipeline) push(it Item) {
	now := p.serial.NowMillis()
	key := it.SessionID + "|" + it.Fingerprint
	if !it.boundary() && p.seenRecently(key, now) {
		p.queue.Refresh(it)
		p.stats.Deduplicated++
		return
	}

	switch p.queue.Push(it, now) {
	case Queued:
		p.stats.Accepted++
		p.remember(it, key, now)
	case QueuedWithEviction:
		p.stats.Accepted++
		p.stats.Dropped++
		p.remember(it, key, now)
	case Deduplicated:
		p.stats.Deduplicated++
		return
	case Rejected:
		p.stats.Dropped++
		return
	}
	p.armFlush()
}

// seenRecently reports whether key was accepted less than the dedup window
// before now. Expired entries are pruned on the way.
func (p *Pipeline) seenRecently(key string, now int64) bool {
	window := p.cfg.DedupWindow.Milliseconds()
	for k, at := range p.recent {
		if now-at >= window {
			delete(p.recent, k)
		}
	}
	_, ok := p.recent[key]
	return ok
}

func (p *Pipeline) remember(it Item, key string, now int64) {
	if !it.boundary() {
		p.recent[key] = now
	}
}

func (p *Pipeline) armFlush() {
	if p.flushTask.Active() || p.retryTask.Active() || p.closed {
		return
	}
	p.flushTask = p.serial.AfterFunc(p.cfg.FlushInterval, func() {
		p.serial.Defer(p.backgroundFlush)
	})
}

func (p *Pipeline) scheduleRetry(delay time.Duration) {
	if p.closed {
		return
	}
	p.retryTask.Stop()
	p.flushTask.Stop()
	p.retryTask = p.serial.AfterFunc(delay, func() {
		p.serial.Defer(p.backgroundFlush)
	})
}

func (p *Pipeline) backgroundFlush() {
	if _, err := p.Flush(p.ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
		p.logger.Debug("flush failed", "error", err)
	}
}

type flushJob struct {
	items   []Item
	batches []model.Batch
}

// Flush delivers everything queued through the acknowledged transport path.
// It waits for a flush already in flight to finish first. Returns the number
// of events delivered. Must be called outside the serial executor.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	for {
		var (
			wait chan struct{}
			job  flushJob
			err  error
		)
		p.serial.Do(func() {
			if p.inflight != nil {
				wait = p.inflight
				return
			}
			job, err = p.prepare()
		})
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if err != nil || len(job.batches) == 0 {
			return 0, err
		}

		errs := make([]error, len(job.batches))
		for i, batch := range job.batches {
			errs[i] = p.transport.Request(ctx, p.cfg.Endpoint, batch, p.cfg.RequestTimeout)
		}

		var delivered int
		p.serial.Do(func() {
			delivered, err = p.complete(job, errs)
		})
		return delivered, err
	}
}

// prepare drains the queue for an async flush. Runs on the serial executor.
func (p *Pipeline) prepare() (flushJob, error) {
	if p.queue.Len() == 0 {
		return flushJob{}, nil
	}
	now := p.serial.NowMillis()
	if !p.breaker.Allow(now) {
		p.stats.Skipped++
		if !p.retryTask.Active() {
			p.scheduleRetry(p.breaker.RetryIn(now))
		}
		return flushJob{}, ErrCircuitOpen
	}
	p.flushTask.Stop()
	p.retryTask.Stop()
	p.inflight = make(chan struct{})
	items := p.queue.Drain()
	return flushJob{items: items, batches: groupBatches(items, p.envelope())}, nil
}

// complete records the outcome of an async flush. Runs on the serial
// executor.
func (p *Pipeline) complete(job flushJob, errs []error) (int, error) {
	close(p.inflight)
	p.inflight = nil

	now := p.serial.NowMillis()
	failedSessions := make(map[string]bool)
	var delivered int
	var firstErr error
	for i, err := range errs {
		if err != nil {
			failedSessions[job.batches[i].SessionID] = true
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered += len(job.batches[i].Events)
	}
	p.stats.Delivered += delivered

	if len(failedSessions) == 0 {
		p.breaker.RecordSuccess()
		p.failures = 0
		p.backup.Clear()
		p.persistBreaker()
		if p.queue.Len() > 0 {
			p.armFlush()
		}
		return delivered, nil
	}

	var failed []Item
	for _, it := range job.items {
		if failedSessions[it.SessionID] {
			failed = append(failed, it)
		}
	}
	p.stats.FailedSends += len(failedSessions)
	p.stats.Dropped += p.queue.Requeue(failed)
	p.failures++

	delay := p.breaker.RecordFailure(now)
	if p.breaker.Status() == BreakerOpen {
		delay = max(delay, p.breaker.RetryIn(now))
		p.backup.Save(p.queue.Items(), p.envelope(), p.failures, now)
		p.logger.Warn("circuit open, events persisted",
			"events", p.queue.Len(),
			"retry_in", delay,
			"error", firstErr)
	}
	p.persistBreaker()
	p.scheduleRetry(delay)
	return delivered, fmt.Errorf("flush: %w", firstErr)
}

// FlushNow delivers everything queued without yielding the serial executor.
// It prefers the fire-and-forget path and falls back to a timed request per
// batch. Events that cannot be handed off are requeued and persisted.
// Returns the number of events handed off and the method used.
func (p *Pipeline) FlushNow() (int, string) {
	if p.queue.Len() == 0 {
		return 0, MethodNone
	}
	now := p.serial.NowMillis()
	if !p.breaker.Allow(now) {
		p.stats.Skipped++
		p.backup.Save(p.queue.Items(), p.envelope(), p.failures, now)
		return 0, MethodPersisted
	}

	items := p.queue.Drain()
	batches := groupBatches(items, p.envelope())
	method := MethodFireAndForget
	sent := 0
	failedSessions := make(map[string]bool)
	for _, batch := range batches {
		if p.transport.FireAndForget(p.cfg.Endpoint, batch) {
			sent += len(batch.Events)
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RequestTimeout)
		err := p.transport.Request(ctx, p.cfg.Endpoint, batch, p.cfg.RequestTimeout)
		cancel()
		if err != nil {
			p.logger.Debug("sync delivery failed", "session", batch.SessionID, "error", err)
			failedSessions[batch.SessionID] = true
			continue
		}
		method = MethodRequest
		sent += len(batch.Events)
	}
	p.stats.Delivered += sent

	if len(failedSessions) == 0 {
		p.breaker.RecordSuccess()
		p.failures = 0
		p.backup.Clear()
		p.persistBreaker()
		return sent, method
	}
	var failed []Item
	for _, it := range items {
		if failedSessions[it.SessionID] {
			failed = append(failed, it)
		}
	}
	p.stats.FailedSends += len(failedSessions)
	p.stats.Dropped += p.queue.Requeue(failed)
	p.failures++
	p.breaker.RecordFailure(now)
	p.persistBreaker()
	p.backup.Save(p.queue.Items(), p.envelope(), p.failures, now)
	if sent == 0 {
		return 0, MethodPersisted
	}
	return sent, method
}

func (p *Pipeline) envelope() model.Batch {
	return model.Batch{
		UserID:         p.userID,
		Device:         p.cfg.Device,
		GlobalMetadata: p.cfg.GlobalMetadata,
	}
}

func (p *Pipeline) persistBreaker() {
	p.records.SaveJSON("breaker", p.breaker.State())
}

// QueueDepth returns the number of queued events.
func (p *Pipeline) QueueDepth() int {
	return p.queue.Len()
}

// PendingDepth returns the number of events waiting for a session.
func (p *Pipeline) PendingDepth() int {
	return p.pending.Len()
}

// BreakerState returns the breaker snapshot.
func (p *Pipeline) BreakerState() BreakerState {
	return p.breaker.State()
}

// Stats returns the event counters.
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Close cancels timers and in-flight requests. Events still queued are
// persisted for the next run.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.flushTask.Stop()
	p.retryTask.Stop()
	p.cancel()
	if p.queue.Len() > 0 {
		p.backup.Save(p.queue.Items(), p.envelope(), p.failures, p.serial.NowMillis())
	}
}
