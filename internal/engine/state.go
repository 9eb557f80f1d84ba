package engine

import "fmt"

// State is the execution state of one record within a run.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	// StateBlocked marks a record that cannot run because an ancestor failed.
	StateBlocked State = "blocked"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBlocked:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateDispatched || to == StateBlocked
	case StateDispatched:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// states is the per-record state table. It is owned by the scheduler
// goroutine and not safe for concurrent use.
type states map[string]State

// transition moves path from one state to another. The expected prior
// state makes a lost update observable instead of silently overwriting it.
func (st states) transition(path string, from, to State) error {
	cur, ok := st[path]
	if !ok {
		return fmt.Errorf("unknown record %q", path)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", path, from, cur)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", path, from, to)
	}
	st[path] = to
	return nil
}
