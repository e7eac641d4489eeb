package sandbox

import "fmt"

type State int

const (
	StatePending State = iota
	StateCreated
	StateStarted
	StateAwaiting
	StateLogsCollected
	StateRemoved
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateAwaiting:
		return "awaiting"
	case StateLogsCollected:
		return "logs_collected"
	case StateRemoved:
		return "removed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State]State{
	StatePending:       StateCreated,
	StateCreated:       StateStarted,
	StateStarted:       StateAwaiting,
	StateAwaiting:      StateLogsCollected,
	StateLogsCollected: StateRemoved,
}

// lifecycle tracks one job. Errored is absorbing.
type lifecycle struct {
	current State
	history []State
}

func (l *lifecycle) advance(to State) error {
	if l.current == StateErrored {
		return fmt.Errorf("sandbox: job already errored, cannot enter %s", to)
	}
	if to != StateErrored && transitions[l.current] != to {
		return fmt.Errorf("sandbox: invalid transition %s -> %s", l.current, to)
	}
	l.current = to
	l.history = append(l.history, to)
	return nil
}

func (l *lifecycle) fail() {
	if l.current != StateErrored {
		_ = l.advance(StateErrored)
	}
}
