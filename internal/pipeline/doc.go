// Package pipeline admits, deduplicates, queues and delivers events.
//
// The pure pieces (Queue, Pending, Breaker) hold no clock and no I/O; they
// are driven with explicit timestamps. Pipeline composes them with the
// sampling oracle, a per-second rate limit, the transport and the backup
// store, and runs on its context's clock.Serial.
//
// Flow of a tracked event:
//
//	Track → validate → (no session? Pending) → sample → rate limit
//	      → fingerprint/dedup → Queue → flush → Breaker → Transport
//
// Boundary events (session_start, session_end) enter through Enqueue and
// skip sampling, rate limiting and dedup.
package pipeline
