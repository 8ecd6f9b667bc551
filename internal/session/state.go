package session

// State is where a board session is in its lifecycle.
type State string

const (
	Discovered  State = "discovered"
	Identifying State = "identifying"
	Copying     State = "copying"
	Verifying   State = "verifying"
	Retrying    State = "retrying"
	Settling    State = "settling"
	Done        State = "done"
	Failed      State = "failed"
)

// transitions lists the allowed next states. Retrying -> Copying is the only
// edge that goes backwards, and the retry budget bounds it.
var transitions = map[State][]State{
	Discovered:  {Identifying},
	Identifying: {Copying, Failed},
	Copying:     {Verifying, Retrying, Failed},
	Verifying:   {Settling, Retrying, Failed},
	Retrying:    {Copying, Failed},
	Settling:    {Done, Failed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}
