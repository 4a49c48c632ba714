package pipeline

import "time"

// BreakerStatus is the circuit position.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerConfig tunes the circuit breaker and retry backoff.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryPeriod   time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures, half-opens after 30s,
// and backs off from 1s doubling up to 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryPeriod:   30 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// BreakerState is the serializable state of a Breaker.
type BreakerState struct {
	Status   BreakerStatus `json:"status"`
	Failures int           `json:"failures"`
	OpenedAt int64         `json:"opened_at,omitempty"`
	// Backoff is the delay before the next retry (ms).
	Backoff int64 `json:"backoff"`
	// Trial is set while the single half-open attempt is in flight.
	Trial bool `json:"trial,omitempty"`
}

// Breaker guards the transport. It is a pure state machine: callers pass the
// current time and act on its answers. Not safe for concurrent use.
//
//	closed ──(threshold failures)──▶ open ──(recovery period)──▶ half_open
//	   ▲                               ▲                            │
//	   └────────────(success)──────────┼────────────────────────────┤
//	                                   └─────────(failure)──────────┘
type Breaker struct {
	cfg   BreakerConfig
	state BreakerState
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg}
	b.reset()
	return b
}

func (b *Breaker) reset() {
	b.state = BreakerState{
		Status:  BreakerClosed,
		Backoff: b.cfg.InitialBackoff.Milliseconds(),
	}
}

// Allow reports whether a delivery attempt may be made at now. An open
// breaker whose recovery period has elapsed moves to half_open and allows
// exactly one attempt.
func (b *Breaker) Allow(now int64) bool {
	switch b.state.Status {
	case BreakerOpen:
		if now-b.state.OpenedAt < b.cfg.RecoveryPeriod.Milliseconds() {
			return false
		}
		b.state.Status = BreakerHalfOpen
		b.state.Trial = true
		return true
	case BreakerHalfOpen:
		if b.state.Trial {
			return false
		}
		b.state.Trial = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker and resets backoff.
func (b *Breaker) RecordSuccess() {
	b.reset()
}

// RecordFailure counts a failed attempt at now and returns the delay before
// the next retry. Backoff doubles on every failure up to MaxBackoff.
func (b *Breaker) RecordFailure(now int64) time.Duration {
	b.state.Failures++
	b.state.Trial = false
	switch b.state.Status {
	case BreakerHalfOpen:
		b.state.Status = BreakerOpen
		b.state.OpenedAt = now
	case BreakerClosed:
		if b.state.Failures >= b.cfg.FailureThreshold {
			b.state.Status = BreakerOpen
			b.state.OpenedAt = now
		}
	}

	delay := time.Duration(b.state.Backoff) * time.Millisecond
	b.state.Backoff = min(b.state.Backoff*2, b.cfg.MaxBackoff.Milliseconds())
	return delay
}

// Status returns the circuit position.
func (b *Breaker) Status() BreakerStatus {
	return b.state.Status
}

// RetryIn returns how long until an open breaker allows an attempt at now.
// Zero when attempts are allowed.
func (b *Breaker) RetryIn(now int64) time.Duration {
	if b.state.Status != BreakerOpen {
		return 0
	}
	left := b.cfg.RecoveryPeriod.Milliseconds() - (now - b.state.OpenedAt)
	return time.Duration(max(left, 0)) * time.Millisecond
}

// State returns a snapshot for persistence.
func (b *Breaker) State() BreakerState {
	return b.state
}

// Restore replaces the state with a persisted snapshot. An in-flight attempt
// does not survive a restart.
func (b *Breaker) Restore(s BreakerState) {
	switch s.Status {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
	default:
		return
	}
	s.Trial = false
	if s.Backoff <= 0 {
		s.Backoff = b.cfg.InitialBackoff.Milliseconds()
	}
	b.state = s
}
