// Package recovery decides whether an interrupted session may be resumed.
//
// The manager keeps a short history of recovery attempts in the shared
// store. A session that disappeared without a deliberate end (crash,
// reload, tab closed) stays resumable for a bounded window and a bounded
// number of attempts; a deliberate end (manual stop, inactivity) forecloses
// it.
package recovery

import (
	"log/slog"
	"time"

	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/store"
)

// Config bounds recovery.
type Config struct {
	SessionTimeout time.Duration
	Multiplier     float64
	MinWindow      time.Duration
	MaxWindow      time.Duration
	MaxAttempts    int
	HistorySize    int
}

// DefaultConfig returns the standard limits for a 15 minute session timeout.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 15 * time.Minute,
		Multiplier:     2,
		MinWindow:      2 * time.Minute,
		MaxWindow:      24 * time.Hour,
		MaxAttempts:    3,
		HistorySize:    5,
	}
}

// Window returns how long after its last sign of life a session may still be
// resumed: SessionTimeout × Multiplier clamped to [MinWindow, MaxWindow].
func (c Config) Window() time.Duration {
	w := time.Duration(float64(c.SessionTimeout) * c.Multiplier)
	return min(max(w, c.MinWindow), c.MaxWindow)
}

// Manager tracks the recovery history of one project.
//
// Thread-safety: not safe for concurrent use; call from the owning
// context's serial executor.
type Manager struct {
	cfg     Config
	records *store.Records
	logger  *slog.Logger
}

// NewManager creates a manager over records.
func NewManager(cfg Config, records *store.Records) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Manager{
		cfg:     cfg,
		records: records,
		logger:  slog.Default().With("component", "recovery"),
	}
}

// History returns the stored attempts, oldest first.
func (m *Manager) History() []model.RecoveryAttempt {
	return m.records.LoadRecovery()
}

// Candidate returns the session that may be resumed at now, if any.
func (m *Manager) Candidate(now int64) (model.RecoveryAttempt, bool) {
	latest, ok := m.latest()
	if !ok || latest.Closed || latest.SessionID == "" {
		return model.RecoveryAttempt{}, false
	}
	if now-latest.Timestamp > m.cfg.Window().Milliseconds() {
		return model.RecoveryAttempt{}, false
	}
	if latest.Attempt >= m.cfg.MaxAttempts {
		return model.RecoveryAttempt{}, false
	}
	return latest, true
}

// Recover consumes one attempt on the current candidate and records a fresh
// context snapshot. Returns false when nothing is recoverable.
func (m *Manager) Recover(now int64, snapshot map[string]string) (model.RecoveryAttempt, bool) {
	candidate, ok := m.Candidate(now)
	if !ok {
		return model.RecoveryAttempt{}, false
	}
	next := model.RecoveryAttempt{
		SessionID: candidate.SessionID,
		StartTime: candidate.StartTime,
		Timestamp: now,
		Attempt:   candidate.Attempt + 1,
		Snapshot:  snapshot,
	}
	m.append(next)
	m.logger.Info("session recovered", "session", next.SessionID, "attempt", next.Attempt)
	return next, true
}

// Begin starts a new chain for a freshly minted session.
func (m *Manager) Begin(sessionID string, startTime, now int64) {
	m.append(model.RecoveryAttempt{
		SessionID: sessionID,
		StartTime: startTime,
		Timestamp: now,
	})
}

// Note records rec as resumable, using its last heartbeat as the moment it
// was last seen alive. Used for sessions orphaned by a crashed context.
// A chain already open for the same session is kept.
func (m *Manager) Note(rec model.SessionRecord) {
	if latest, ok := m.latest(); ok && latest.SessionID == rec.ID {
		if !latest.Closed && rec.Heartbeat > latest.Timestamp {
			m.update(func(a *model.RecoveryAttempt) { a.Timestamp = rec.Heartbeat })
		}
		return
	}
	m.Begin(rec.ID, rec.StartTime, rec.Heartbeat)
}

// Touch refreshes the latest attempt's timestamp while sessionID is alive.
func (m *Manager) Touch(sessionID string, now int64) {
	m.update(func(a *model.RecoveryAttempt) {
		if a.SessionID == sessionID && !a.Closed {
			a.Timestamp = now
		}
	})
}

// Close forecloses recovery of sessionID.
func (m *Manager) Close(sessionID string, now int64) {
	m.update(func(a *model.RecoveryAttempt) {
		if a.SessionID == sessionID {
			a.Closed = true
			a.Timestamp = now
		}
	})
}

func (m *Manager) latest() (model.RecoveryAttempt, bool) {
	history := m.History()
	if len(history) == 0 {
		return model.RecoveryAttempt{}, false
	}
	return history[len(history)-1], true
}

func (m *Manager) append(a model.RecoveryAttempt) {
	history := append(m.History(), a)
	if len(history) > m.cfg.HistorySize {
		history = history[len(history)-m.cfg.HistorySize:]
	}
	m.records.SaveRecovery(history)
}

func (m *Manager) update(fn func(a *model.RecoveryAttempt)) {
	history := m.History()
	if len(history) == 0 {
		return
	}
	fn(&history[len(history)-1])
	m.records.SaveRecovery(history)
}
