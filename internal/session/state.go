// Package session owns the lifecycle of the logical session in one context.
//
// LIFECYCLE:
//
//	Idle ──StartSession/AdoptSession──▶ Active ──End*──▶ Ending ──flush──▶ Ended
//	                                      ▲                                  │
//	                                      └──────StartSession/AdoptSession───┘
//
// Only the leader originates sessions and emits boundary events. Followers
// adopt the leader's session and honor its ends. Ends are ranked by reason
// (see model.EndReason.Priority); once an end is recorded for a session every
// later request for it is rejected.
package session

import "fmt"

// State is the coordinator lifecycle position.
type State string

const (
	Idle   State = "idle"
	Active State = "active"
	Ending State = "ending"
	Ended  State = "ended"
)

var transitions = map[State][]State{
	Idle:   {Active},
	Active: {Active, Ending, Ended},
	Ending: {Ended},
	Ended:  {Active},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: illegal transition %s → %s", e.From, e.To)
}
