// Package control holds the process-wide control context: the single
// in-memory root that owns the agent table, the event bus, and the cost
// ledgers. One context serves one logical operator; there is no
// persistence across restarts.
package control

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/governor"
	"github.com/coderelay/coderelay/pkg/models"
)

// TaskResetter clears any task record an agent must not inherit across
// re-registration. Implemented by the dispatch router; set after
// construction.
type TaskResetter interface {
	Forget(agentID string)
}

// Snapshot is the operator-facing view of the context.
type Snapshot struct {
	ControlSessionID string                `json:"control_session_id"`
	CreatedAt        time.Time             `json:"created_at"`
	AgentCount       int                   `json:"agent_count"`
	Cost             governor.CostSnapshot `json:"cost"`
}

// Context is the control context. The agent table is mutated by
// registration (the hub, plus manual pre-registration from the API) and by
// the router (task-state transitions, via UpdateTask); readers get clones.
type Context struct {
	SessionID string
	createdAt time.Time

	bus   *events.Bus
	costs *governor.CostTracker

	resetMu sync.RWMutex
	reset   TaskResetter

	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewContext creates the control context at process start.
func NewContext(bus *events.Bus, costs *governor.CostTracker) *Context {
	return &Context{
		SessionID: uuid.New().String(),
		createdAt: time.Now(),
		bus:       bus,
		costs:     costs,
		agents:    make(map[string]*models.Agent),
	}
}

// SetTaskResetter wires the router hook invoked on re-registration.
func (c *Context) SetTaskResetter(r TaskResetter) {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()
	c.reset = r
}

// Bus returns the context's event bus.
func (c *Context) Bus() *events.Bus { return c.bus }

// Costs returns the context's cost tracker.
func (c *Context) Costs() *governor.CostTracker { return c.costs }

// RegisterConnected installs a live registration, replacing any prior
// record for the same agent id atomically. Manual pre-registration
// metadata is merged in when the bridge omitted it. The replaced agent
// inherits no prior in-flight task.
func (c *Context) RegisterConnected(agent *models.Agent) {
	c.mu.Lock()
	if prior, ok := c.agents[agent.AgentID]; ok {
		if agent.DisplayName == "" {
			agent.DisplayName = prior.DisplayName
		}
		if len(agent.Capabilities) == 0 {
			agent.Capabilities = prior.Capabilities
		}
	}
	c.agents[agent.AgentID] = agent
	c.mu.Unlock()

	c.resetMu.RLock()
	reset := c.reset
	c.resetMu.RUnlock()
	if reset != nil {
		reset.Forget(agent.AgentID)
	}
}

// RegisterManual records agent metadata before any bridge connects.
// Idempotent: repeated calls update metadata; a live registration is
// left untouched apart from display metadata.
func (c *Context) RegisterManual(agentID, displayName string, capabilities []string) *models.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		agent = &models.Agent{
			AgentID:         agentID,
			ConnectionState: models.ConnectionUnregistered,
			TaskState:       models.TaskIdle,
		}
		c.agents[agentID] = agent
	}
	if displayName != "" {
		agent.DisplayName = displayName
	}
	if len(capabilities) > 0 {
		agent.Capabilities = append([]string(nil), capabilities...)
	}
	return agent.Clone()
}

// Agent returns a clone of one registration.
func (c *Context) Agent(agentID string) (*models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// List returns clones of every registration in stable agent-id order.
func (c *Context) List() []*models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// MarkDisconnected flips the agent's connection state.
func (c *Context) MarkDisconnected(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.agents[agentID]; ok {
		agent.ConnectionState = models.ConnectionDisconnected
	}
}

// Heartbeat records bridge liveness.
func (c *Context) Heartbeat(agentID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.agents[agentID]; ok {
		agent.LastHeartbeatAt = at
	}
}

// UpdateTask mirrors a router task-state transition into the agent table.
func (c *Context) UpdateTask(agentID string, state models.TaskState, activeMessageID, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.agents[agentID]; ok {
		agent.TaskState = state
		agent.ActiveMessageID = activeMessageID
		agent.LastError = lastError
	}
}

// Snapshot returns the operator-facing context view.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	count := len(c.agents)
	c.mu.RUnlock()
	return Snapshot{
		ControlSessionID: c.SessionID,
		CreatedAt:        c.createdAt,
		AgentCount:       count,
		Cost:             c.costs.Snapshot(),
	}
}
