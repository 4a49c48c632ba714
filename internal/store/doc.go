// Package store provides the origin-scoped key/value storage shared by every
// execution context of a project.
//
// The store offers three layers:
//   - KV: the raw capability (Get, Set, Remove) with SQLite and in-memory
//     implementations.
//   - Fallback: wraps a durable KV and switches to memory for the rest of the
//     context lifetime on the first storage failure (unavailable, quota).
//   - Records: typed, JSON-encoded accessors for the session record, tab
//     records, the undelivered-batch backup and the recovery history.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers while another context writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: contexts in other processes wait for the lock
//
// Records are replicated data. Every read tolerates staleness; writers only
// move monotonic fields forward, so last-writer-wins is acceptable.
package store
