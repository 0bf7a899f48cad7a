package dispatch

import "errors"

// State errors surfaced to HTTP callers. These are normal operational
// errors and are not audited.
var (
	// ErrAgentNotFound means no registration exists for the agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentNotConnected means the agent has no live bridge connection.
	ErrAgentNotConnected = errors.New("agent not connected")
	// ErrBusy means a task is already in flight for the agent.
	ErrBusy = errors.New("agent busy")
	// ErrNoActiveTask means a follow-up arrived with no running task.
	ErrNoActiveTask = errors.New("no active task")
)

// ValidationError reports invalid dispatch input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
