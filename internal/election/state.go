package election

// State is the position of one context in the leadership protocol.
type State string

const (
	Booting  State = "booting"
	Electing State = "electing"
	Follower State = "follower"
	Leader   State = "leader"
	Closed   State = "closed"
)

var transitions = map[State][]State{
	Booting:  {Electing, Closed},
	Electing: {Electing, Follower, Leader, Closed},
	Follower: {Electing, Follower, Leader, Closed},
	Leader:   {Follower, Closed},
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
