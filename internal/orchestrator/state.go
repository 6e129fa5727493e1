package orchestrator

import "fmt"

// State is the session lifecycle position of an Orchestrator.
type State int

// Lifecycle states. Completed, Failed and Cancelled are terminal and leave
// only Reset as a valid action.
const (
	Idle State = iota
	Starting
	Polling
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Active reports whether network activity may be outstanding.
func (s State) Active() bool {
	return s == Starting || s == Polling
}

// Terminal reports whether only Reset is valid.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}
