package sync

import (
	"fmt"
	"time"
)

// State is a step of the sync state machine.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StatePulling
	StateMerging
	StatePushing
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StatePulling:
		return "pulling"
	case StateMerging:
		return "merging"
	case StatePushing:
		return "pushing"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a sync is running in this state.
func (s State) Active() bool {
	return s != StateIdle && s != StateFailed
}

// Result describes how one PerformSync call ended.
type Result struct {
	Success bool

	// Stage is the last state entered: StateCommitting on success, the
	// failing state otherwise.
	Stage State

	// Cause is nil on success.
	Cause error

	Pulled       int
	Applied      int
	Rejected     int
	Pushed       int
	Acknowledged int
	Superseded   int

	// Cursor is the remote cursor after the pull.
	Cursor int64

	StartedAt time.Time
	Duration  time.Duration
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("sync ok: pulled=%d applied=%d pushed=%d acked=%d cursor=%d (%s)",
			r.Pulled, r.Applied, r.Pushed, r.Acknowledged, r.Cursor, r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("sync failed at %s: %v", r.Stage, r.Cause)
}
