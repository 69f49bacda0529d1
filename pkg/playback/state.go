package playback

// State is the playback controller state.
type State int

const (
	Idle State = iota
	Loading
	Running
	Paused
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := Idle; st <= Error; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return Idle, false
}
