// Package model defines the data shared by every tracelog component: tracked
// events and their fingerprints, the replicated session and tab records, the
// batch envelope sent to the collector, and recovery bookkeeping.
//
// All timestamps are Unix milliseconds. Records written to the shared store
// are replicated, eventually-consistent data: readers must tolerate staleness
// and writers only move monotonic fields forward (see Reconcile).
package model
