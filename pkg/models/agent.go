// Package models defines the shared data model for the control plane:
// agent registrations, control messages, agent responses, and their enums.
package models

import (
	"regexp"
	"time"
)

// ConnectionState describes the bridge connection lifecycle of an agent.
type ConnectionState string

// Connection states.
const (
	ConnectionUnregistered ConnectionState = "unregistered"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// TaskState describes the dispatch lifecycle of an agent's current task.
type TaskState string

// Task states. COMPLETED and ERROR are latched until the next dispatch.
const (
	TaskIdle       TaskState = "idle"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskCompleted  TaskState = "completed"
	TaskError      TaskState = "error"
)

// agentIDPattern is the allowed agent_id format: 1-64 chars of
// letters, digits, dot, underscore, dash.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidAgentID reports whether id matches the allowed agent_id format.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Agent is a single agent registration owned by the control context.
type Agent struct {
	AgentID         string          `json:"agent_id"`
	DisplayName     string          `json:"display_name,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	Workdir         string          `json:"workdir,omitempty"`
	ConnectionState ConnectionState `json:"connection_state"`
	TaskState       TaskState       `json:"task_state"`
	ActiveMessageID string          `json:"active_message_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ConnectedAt     time.Time       `json:"connected_at,omitzero"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at,omitzero"`
}

// Clone returns a copy of the agent safe to hand to readers outside the
// registry lock. Capabilities are copied, not shared.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}

// Dispatchable reports whether a new dispatch may be accepted for the
// agent's current task state. At most one task is in flight at a time;
// COMPLETED and ERROR are terminal and cleared by the next dispatch.
func (s TaskState) Dispatchable() bool {
	switch s {
	case TaskIdle, TaskCompleted, TaskError:
		return true
	default:
		return false
	}
}
