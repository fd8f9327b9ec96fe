package pipeline

type State int

const (
	Idle State = iota
	Loading
	Running
	Draining
	Stopped
	Error
)

var stateNames = map[State]string{
	Idle:     "idle",
	Loading:  "loading",
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
	Error:    "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	Idle:     {Loading, Stopped},
	Loading:  {Running, Error},
	Running:  {Draining, Error},
	Draining: {Stopped, Error},
	Error:    {Stopped},
}

func (s State) canMove(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
