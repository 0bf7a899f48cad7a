package api

import (
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/models"
)

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Hub     HubStats     `json:"hub"`
	Events  events.Stats `json:"events"`
	Audit   AuditStats   `json:"audit"`
}

// HubStats reports bridge connection counts.
type HubStats struct {
	ActiveConnections int `json:"active_connections"`
}

// AuditStats reports audit sink counters.
type AuditStats struct {
	DroppedRecords int64 `json:"dropped_records"`
}

// DispatchResponse is the body for a successful dispatch.
type DispatchResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // always "dispatched"
}

// FollowupResponse is the body for a successful follow-up.
type FollowupResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // always "sent"
}

// AgentListResponse is the body for GET /api/v1/agents.
type AgentListResponse struct {
	Agents []*models.Agent `json:"agents"`
}

// RecentEventsResponse is the body for GET /api/v1/events/recent.
type RecentEventsResponse struct {
	Events []events.Event `json:"events"`
}
