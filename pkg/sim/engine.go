package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/governor"
)

// Engine advances the simulation one event per tick. It is strictly
// serialized: every operation, including state snapshots, runs under one
// mutex, so a tick is atomic with respect to state reads. Stub output
// depends only on (from, to, tick, content), never on wall clock, so a
// fixed configuration replays identically.
type Engine struct {
	cfg   config.SimConfig
	bus   *events.Bus
	costs *governor.CostTracker
	gen   Generator // nil → stub-only

	mu sync.Mutex

	status        Status
	roster        []Agent
	agentIndex    map[string]int // agent_id → roster position
	edges         []Edge
	edgeSet       map[Edge]bool
	initialPrompt string
	firstAgentID  string

	queue         []Message
	conversations map[string][]Turn
	activity      map[string]int
	tickIndex     int
	costUSD       float64
	lastTickAt    time.Time
	now           func() time.Time
}

// NewEngine creates an Engine. gen may be nil for stub-only operation.
func NewEngine(cfg config.SimConfig, bus *events.Bus, costs *governor.CostTracker, gen Generator) *Engine {
	return &Engine{
		cfg:           cfg,
		bus:           bus,
		costs:         costs,
		gen:           gen,
		status:        StatusIdle,
		agentIndex:    make(map[string]int),
		edgeSet:       make(map[Edge]bool),
		conversations: make(map[string][]Turn),
		activity:      make(map[string]int),
		now:           time.Now,
	}
}

// Init configures the roster. Allowed in IDLE and STOPPED only; replaces
// any prior roster and clears the graph (its endpoints may be gone).
func (e *Engine) Init(roster []Agent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusRunning || e.status == StatusPaused {
		return ErrEngineBusy
	}
	if len(roster) == 0 {
		return configErrorf("roster must not be empty")
	}
	index := make(map[string]int, len(roster))
	for i, agent := range roster {
		if agent.AgentID == "" || agent.AgentID == UserAgent {
			return configErrorf("invalid agent_id %q", agent.AgentID)
		}
		if !ValidRole(agent.Role) {
			return configErrorf("unknown role %q for agent %s", agent.Role, agent.AgentID)
		}
		if _, dup := index[agent.AgentID]; dup {
			return configErrorf("duplicate agent_id %q", agent.AgentID)
		}
		index[agent.AgentID] = i
	}

	e.roster = append([]Agent(nil), roster...)
	e.agentIndex = index
	e.edges = nil
	e.edgeSet = make(map[Edge]bool)
	return nil
}

// SetGraph configures the directed edges. Bidirectional specs expand to
// two directed edges. Every endpoint must reference a roster agent;
// cycles are allowed.
func (e *Engine) SetGraph(specs []EdgeSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusRunning || e.status == StatusPaused {
		return ErrEngineBusy
	}
	if len(e.roster) == 0 {
		return ErrNotConfigured
	}

	var edges []Edge
	set := make(map[Edge]bool)
	add := func(src, dst string) error {
		if _, ok := e.agentIndex[src]; !ok {
			return configErrorf("edge references unknown agent %q", src)
		}
		if _, ok := e.agentIndex[dst]; !ok {
			return configErrorf("edge references unknown agent %q", dst)
		}
		edge := Edge{Source: src, Target: dst}
		if !set[edge] {
			set[edge] = true
			edges = append(edges, edge)
		}
		return nil
	}
	for _, spec := range specs {
		if err := add(spec.Source, spec.Target); err != nil {
			return err
		}
		if spec.Bidirectional {
			if err := add(spec.Target, spec.Source); err != nil {
				return err
			}
		}
	}

	e.edges = edges
	e.edgeSet = set
	return nil
}

// Start moves the engine to RUNNING. From IDLE or STOPPED it seeds the
// queue with exactly one message {user → first_agent_id, initial_prompt};
// from PAUSED it resumes without reseeding.
func (e *Engine) Start(initialPrompt, firstAgentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusPaused {
		e.status = StatusRunning
		return nil
	}
	if e.status == StatusRunning {
		return ErrEngineBusy
	}
	if len(e.roster) == 0 || len(e.edgeSet) == 0 {
		return ErrNotConfigured
	}
	if initialPrompt == "" || firstAgentID == "" {
		return configErrorf("initial_prompt and first_agent_id are required")
	}
	if _, ok := e.agentIndex[firstAgentID]; !ok {
		return configErrorf("first_agent_id %q is not in the roster", firstAgentID)
	}

	e.initialPrompt = initialPrompt
	e.firstAgentID = firstAgentID
	e.queue = []Message{{From: UserAgent, To: firstAgentID, Content: initialPrompt, EnqueuedTick: 0}}
	e.conversations = make(map[string][]Turn)
	e.tickIndex = 0
	e.costUSD = 0
	e.status = StatusRunning
	return nil
}

// Pause suspends ticking; configuration and queue are kept.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return ErrNotRunning
	}
	e.status = StatusPaused
	return nil
}

// Stop terminates the run. Reset returns to IDLE.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPaused {
		return ErrNotRunning
	}
	e.status = StatusStopped
	return nil
}

// Reset clears run state but preserves configuration (roster, graph,
// seed prompt, budgets). The result equals a freshly configured but
// unstarted engine.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusIdle
	e.queue = nil
	e.conversations = make(map[string][]Turn)
	e.activity = make(map[string]int)
	e.tickIndex = 0
	e.costUSD = 0
	e.lastTickAt = time.Time{}
}

// Enqueue appends a message to the queue tail. Used by operators to inject
// traffic; graph validation happens at delivery time.
func (e *Engine) Enqueue(from, to, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPaused {
		return ErrNotRunning
	}
	e.queue = append(e.queue, Message{From: from, To: to, Content: content, EnqueuedTick: e.tickIndex})
	return nil
}

// Tick advances the simulation by exactly one event:
//
//  1. Verify the tick rate limit and budgets.
//  2. Clear the per-agent activity map.
//  3. Dequeue at most one message; an empty queue still advances the tick.
//  4. Validate the (from, to) edge; a missing edge blocks the message.
//  5. Enforce the per-source activity cap: after delivery and replies,
//     queued messages whose source is at the cap rotate to the tail.
//  6. Deliver: MESSAGE_SENT plus both conversation windows.
//  7. Generate replies toward each outbound neighbor of the recipient.
//  8. Advance the tick index and emit TICK_ADVANCED.
func (e *Engine) Tick(ctx context.Context) (TickSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRunning {
		return TickSummary{}, ErrNotRunning
	}
	if e.cfg.TickRateLimit > 0 && !e.lastTickAt.IsZero() && e.now().Sub(e.lastTickAt) < e.cfg.TickRateLimit {
		return TickSummary{}, ErrEngineBusy
	}
	if e.costUSD >= e.cfg.MaxCostUSD && e.cfg.MaxCostUSD > 0 || e.tickIndex >= e.cfg.TickBudget {
		return TickSummary{
			Status:    "budget_exceeded",
			OldTick:   e.tickIndex,
			NewTick:   e.tickIndex,
			QueueSize: len(e.queue),
		}, nil
	}
	e.lastTickAt = e.now()

	oldTick := e.tickIndex
	for id := range e.activity {
		delete(e.activity, id)
	}

	sent := 0
	if len(e.queue) > 0 {
		msg := e.queue[0]
		e.queue = e.queue[1:]

		if reason, ok := e.edgeAllowed(msg); !ok {
			// Blocked messages are consumed, never delivered, never
			// re-enqueued.
			e.bus.Publish(events.Event{
				Type:      events.EventMessageBlockedByGraph,
				TickIndex: &oldTick,
				Message:   fmt.Sprintf("message %s -> %s blocked: %s", msg.From, msg.To, reason),
				Metadata: map[string]any{
					"from":    msg.From,
					"to":      msg.To,
					"reason":  reason,
					"content": msg.Content,
				},
			})
		} else if err := e.deliverLocked(ctx, msg, oldTick); err != nil {
			return TickSummary{}, err
		} else {
			sent = 1
		}
	}

	// Rotate messages whose source is at its activity cap to the tail so
	// the next tick makes progress on a different sender. Each queued
	// message is inspected at most once.
	for i := 0; i < len(e.queue); i++ {
		head := e.queue[0]
		if e.activity[head.From] == 0 {
			break
		}
		e.queue = append(e.queue[1:], head)
	}

	e.tickIndex++
	summary := TickSummary{
		Status:       "ok",
		OldTick:      oldTick,
		NewTick:      e.tickIndex,
		MessagesSent: sent,
		QueueSize:    len(e.queue),
	}
	e.bus.Publish(events.Event{
		Type:      events.EventTickAdvanced,
		TickIndex: &summary.NewTick,
		Message:   fmt.Sprintf("tick %d -> %d", oldTick, summary.NewTick),
		Metadata: map[string]any{
			"old_tick":      oldTick,
			"new_tick":      summary.NewTick,
			"messages_sent": sent,
			"queue_size":    summary.QueueSize,
		},
	})
	return summary, nil
}

// edgeAllowed validates a message against the flow graph. The user
// pseudo-agent may send to anyone in the roster.
func (e *Engine) edgeAllowed(msg Message) (string, bool) {
	if _, ok := e.agentIndex[msg.To]; !ok && msg.To != UserAgent {
		return "unknown target", false
	}
	if msg.From == UserAgent {
		return "", true
	}
	if _, ok := e.agentIndex[msg.From]; !ok {
		return "unknown source", false
	}
	if !e.edgeSet[Edge{Source: msg.From, Target: msg.To}] {
		return "no edge", false
	}
	return "", true
}

// deliverLocked emits MESSAGE_SENT, updates both conversation windows, and
// enqueues replies from the recipient toward each outbound neighbor.
func (e *Engine) deliverLocked(ctx context.Context, msg Message, tick int) error {
	e.activity[msg.From]++

	recipient, configured := e.rosterAgent(msg.To)
	role, model := "", ""
	if configured {
		role, model = string(recipient.Role), recipient.ModelLabel
	}
	e.bus.Publish(events.Event{
		Type:      events.EventMessageSent,
		TickIndex: &tick,
		Message:   fmt.Sprintf("%s -> %s", msg.From, msg.To),
		Metadata: map[string]any{
			"from":       msg.From,
			"to":         msg.To,
			"content":    msg.Content,
			"tick_index": tick,
			"role":       role,
			"model":      model,
			"is_stub":    !e.cfg.UseRealLLM || e.gen == nil,
		},
	})

	// The sender remembers what it said; the recipient what it heard.
	e.appendTurn(msg.From, Turn{Role: "assistant", Content: msg.Content})
	e.appendTurn(msg.To, Turn{Role: "user", Content: msg.Content})

	// The recipient replies iff it is configured and has outbound edges.
	// Replies target each outbound neighbor in stable roster order and
	// land on the queue for the next tick.
	if !configured {
		return nil
	}
	for _, target := range e.outboundTargets(msg.To) {
		reply, err := e.generateLocked(ctx, recipient, target, msg, tick)
		if err != nil {
			return err
		}
		e.queue = append(e.queue, Message{
			From:         msg.To,
			To:           target,
			Content:      reply,
			EnqueuedTick: tick + 1,
		})
	}
	return nil
}

// generateLocked produces one reply, real or stubbed. Real-mode failures
// fall back to the stub and emit an error event — a tick never aborts for
// a backend failure. Cost denials do abort the tick before any model call.
func (e *Engine) generateLocked(ctx context.Context, agent Agent, target string, incoming Message, tick int) (string, error) {
	if !e.cfg.UseRealLLM || e.gen == nil {
		return stubReply(agent.AgentID, target, tick, incoming.Content), nil
	}

	if err := e.costs.Admit(e.projectedCost(agent.AgentID, incoming.Content)); err != nil {
		return "", err
	}

	reply, usage, err := e.gen.Generate(ctx, agent, e.conversations[agent.AgentID], incoming.Content)
	if err != nil {
		slog.Warn("Simulation model call failed, falling back to stub",
			"agent_id", agent.AgentID, "error", err)
		e.bus.Publish(events.Event{
			Type:      events.EventCostTracking,
			TickIndex: &tick,
			Message:   "model call failed, stub fallback",
			Metadata: map[string]any{
				"agent_id": agent.AgentID,
				"error":    err.Error(),
			},
		})
		return stubReply(agent.AgentID, target, tick, incoming.Content), nil
	}

	if usage != nil {
		cost := e.costs.CostForTokens(usage.TotalTokens)
		if cost > 0 {
			e.costUSD += cost
			e.costs.Charge(cost)
			e.bus.Publish(events.Event{
				Type:      events.EventCostTracking,
				TickIndex: &tick,
				Message:   fmt.Sprintf("simulation charged $%.4f", cost),
				Metadata: map[string]any{
					"agent_id":     agent.AgentID,
					"cost_usd":     cost,
					"total_tokens": usage.TotalTokens,
				},
			})
		}
	}
	if reply == "" {
		reply = stubReply(agent.AgentID, target, tick, incoming.Content)
	}
	return reply, nil
}

// projectedCost estimates one model call before admission.
func (e *Engine) projectedCost(agentID, incoming string) float64 {
	chars := len(incoming)
	for _, turn := range e.conversations[agentID] {
		chars += len(turn.Content)
	}
	return e.costs.CostForTokens(chars/4 + 512)
}

// outboundTargets returns the agent's neighbors in stable roster order.
func (e *Engine) outboundTargets(agentID string) []string {
	var targets []string
	for _, agent := range e.roster {
		if e.edgeSet[Edge{Source: agentID, Target: agent.AgentID}] {
			targets = append(targets, agent.AgentID)
		}
	}
	return targets
}

func (e *Engine) rosterAgent(agentID string) (Agent, bool) {
	i, ok := e.agentIndex[agentID]
	if !ok {
		return Agent{}, false
	}
	return e.roster[i], true
}

// appendTurn adds to a conversation window, dropping the oldest entry past
// the cap. The user pseudo-agent keeps no window.
func (e *Engine) appendTurn(agentID string, turn Turn) {
	if agentID == UserAgent {
		return
	}
	window := append(e.conversations[agentID], turn)
	if len(window) > conversationCap {
		window = window[len(window)-conversationCap:]
	}
	e.conversations[agentID] = window
}

// State returns a consistent snapshot of the whole engine.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	conversations := make(map[string][]Turn, len(e.conversations))
	for id, window := range e.conversations {
		conversations[id] = append([]Turn(nil), window...)
	}
	return Snapshot{
		Status:        e.status,
		TickIndex:     e.tickIndex,
		Agents:        append([]Agent(nil), e.roster...),
		Edges:         append([]Edge(nil), e.edges...),
		InitialPrompt: e.initialPrompt,
		FirstAgentID:  e.firstAgentID,
		Queue:         append([]Message(nil), e.queue...),
		Conversations: conversations,
		CostUSD:       e.costUSD,
		MaxCostUSD:    e.cfg.MaxCostUSD,
		TickBudget:    e.cfg.TickBudget,
		UseRealLLM:    e.cfg.UseRealLLM && e.gen != nil,
	}
}
