// Package hub accepts long-lived bidirectional connections from agent
// bridges, authenticates them, tracks liveness via heartbeats, and relays
// messages between bridges and the dispatch router.
package hub

import (
	"github.com/coder/websocket"

	"github.com/coderelay/coderelay/pkg/models"
)

// Close codes sent to bridges before the socket is closed.
const (
	CloseAuthFailure      websocket.StatusCode = 4001
	CloseProtocolError    websocket.StatusCode = 4002
	CloseHeartbeatTimeout websocket.StatusCode = 4003
	CloseAgentReplaced    websocket.StatusCode = 4004
)

// Frame types on the bridge protocol. Every frame carries a "type" field.
const (
	frameRegister   = "register"
	frameRegistered = "registered"
	frameHeartbeat  = "heartbeat"
	frameDispatch   = "dispatch"
	frameProgress   = "progress"
	frameResponse   = "response"
	frameError      = "error"
	frameClose      = "close"
)

// bridgeFrame is the decoded form of any bridge → hub frame. Exactly one
// frame shape is populated depending on Type.
type bridgeFrame struct {
	Type string `json:"type"`

	// register
	AgentID      string   `json:"agent_id,omitempty"`
	AuthToken    string   `json:"auth_token,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Workdir      string   `json:"workdir,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`

	// heartbeat
	TS string `json:"ts,omitempty"`

	// progress / response
	MessageID string        `json:"message_id,omitempty"`
	Content   string        `json:"content,omitempty"`
	Usage     *models.Usage `json:"usage,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// registeredFrame is the hub → bridge handshake acknowledgement.
type registeredFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ServerTime string `json:"server_time"`
}

// dispatchFrame is the hub → bridge task envelope for both dispatches and
// follow-ups. Follow-ups reuse the active task's message_id.
type dispatchFrame struct {
	Type       string         `json:"type"`
	MessageID  string         `json:"message_id"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	IsFollowup bool           `json:"is_followup"`
}

// errorFrame is a hub → bridge protocol error notice.
type errorFrame struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// closeFrame announces the reason before the socket is closed.
type closeFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
