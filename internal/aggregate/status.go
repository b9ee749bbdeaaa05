// Package aggregate tracks batch execution progress and pushes tiered
// progress reports through the reliable sender.
package aggregate

// Status is the batch lifecycle state. Transitions are one-directional into
// a terminal state; nothing transitions out of a terminal status.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimeout
	StatusPartial
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	case StatusPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an end state. Partial is terminal: it marks
// signal-driven completion with failures present.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusPartial:
		return true
	default:
		return false
	}
}

// validTransition reports whether from -> to is a legal status change.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == from {
		return false
	}
	switch from {
	case StatusPending:
		return true // Running or straight to terminal
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}
