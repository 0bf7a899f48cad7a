package api

import "github.com/coderelay/coderelay/pkg/sim"

// RegisterAgentRequest is the body for POST /api/v1/agents/register.
// Manual pre-registration of metadata; no live socket is involved.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// DispatchRequest is the body for POST /api/v1/agents/:id/dispatch.
type DispatchRequest struct {
	Content string         `json:"content"`
	Context map[string]any `json:"context,omitempty"`
}

// FollowupRequest is the body for POST /api/v1/agents/:id/followup.
type FollowupRequest struct {
	Content string `json:"content"`
}

// SimInitRequest is the body for POST /api/v1/simulation/init.
type SimInitRequest struct {
	Agents []sim.Agent `json:"agents"`
}

// SimGraphRequest is the body for POST /api/v1/simulation/graph.
type SimGraphRequest struct {
	Edges []sim.EdgeSpec `json:"edges"`
}

// SimStartRequest is the body for POST /api/v1/simulation/start.
type SimStartRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	FirstAgentID  string `json:"first_agent_id"`
}
