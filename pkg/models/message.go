package models

import "time"

// MaxContentChars is the maximum length of dispatch and follow-up content.
const MaxContentChars = 10000

// MessageKind distinguishes the first operator message of a task from
// follow-ups attached to it.
type MessageKind string

// Control message kinds.
const (
	KindDispatch MessageKind = "dispatch"
	KindFollowup MessageKind = "followup"
)

// ControlMessage is an operator → agent message (dispatch or follow-up).
// Follow-ups carry the same MessageID as the active task.
type ControlMessage struct {
	MessageID string         `json:"message_id"`
	AgentID   string         `json:"agent_id"`
	Kind      MessageKind    `json:"kind"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ResponseKind distinguishes partial progress from terminal responses.
type ResponseKind string

// Agent response kinds.
const (
	ResponseProgress ResponseKind = "progress"
	ResponseFinal    ResponseKind = "response"
	ResponseError    ResponseKind = "error"
)

// Usage carries token counts reported by the agent bridge.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// AgentResponse is an agent → operator message echoing the request's
// MessageID. Progress frames never latch; the final frame does.
type AgentResponse struct {
	MessageID string       `json:"message_id"`
	Kind      ResponseKind `json:"kind"`
	Content   string       `json:"content"`
	Usage     *Usage       `json:"usage,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
