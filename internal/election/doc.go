// Package election picks one leader among the contexts sharing a project.
//
// Contexts talk over a bus.Bus and share a store.Records. The leader
// originates sessions, answers election requests and broadcasts heartbeats;
// everyone else follows and adopts the leader's session.
//
// PROTOCOL:
//
//	booting ──Start──▶ electing ──silence──▶ leader
//	                      │                    │
//	                      └──response──▶ follower ◀──outranked──┘
//
// A context that finds a fresh foreign owner in the shared record follows it
// instead of promoting, so contexts converge on one leader even when every
// message is lost. When two leaders meet, the one that became leader first
// wins; ties go to the lower tab id.
//
// Thread-safety: every method must be called on the context's clock.Serial.
// Bus deliveries enter the executor through Serial.Do.
package election
