// Package dispatch owns the per-agent task state machine: exactly one task
// in flight per agent, dispatch delivery, progress relay, final-response
// buffering, and follow-up messaging.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/pkg/audit"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/governor"
	"github.com/coderelay/coderelay/pkg/masking"
	"github.com/coderelay/coderelay/pkg/models"
)

// Sender delivers control messages to an agent's bridge. Implemented by the
// hub; only the hub writes to sockets.
type Sender interface {
	Send(agentID string, msg *models.ControlMessage) error
}

// Registry is the slice of the control context the router reads and
// mutates: agent lookups plus task-state mirroring into the agent table.
type Registry interface {
	Agent(agentID string) (*models.Agent, bool)
	UpdateTask(agentID string, state models.TaskState, activeMessageID, lastError string)
}

// TaskStatus is the router's view of one agent's task.
type TaskStatus struct {
	State           models.TaskState      `json:"task_state"`
	ActiveMessageID string                `json:"active_message_id,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	LastResponse    *models.AgentResponse `json:"last_response,omitempty"`
}

// task is the per-agent record. lastResponse survives task completion and
// disconnects; it is only replaced by the next final response.
type task struct {
	state           models.TaskState
	activeMessageID string
	lastError       string
	lastResponse    *models.AgentResponse
	startTimer      *time.Timer
	totalTimer      *time.Timer
}

// Router is the dispatch and response routing engine. One instance per
// control context.
type Router struct {
	cfg      config.DispatchConfig
	sender   Sender
	registry Registry
	bus      *events.Bus
	limiter  *governor.RateLimiter
	costs    *governor.CostTracker
	sink     *audit.Sink
	masker   *masking.Service

	mu    sync.Mutex
	tasks map[string]*task
}

// NewRouter creates a Router. masker may be nil (no masking).
func NewRouter(
	cfg config.DispatchConfig,
	sender Sender,
	registry Registry,
	bus *events.Bus,
	limiter *governor.RateLimiter,
	costs *governor.CostTracker,
	sink *audit.Sink,
	masker *masking.Service,
) *Router {
	return &Router{
		cfg:      cfg,
		sender:   sender,
		registry: registry,
		bus:      bus,
		limiter:  limiter,
		costs:    costs,
		sink:     sink,
		masker:   masker,
		tasks:    make(map[string]*task),
	}
}

// Dispatch admits, records, and delivers a new task for the agent. Returns
// the assigned message id. peerIP feeds the per-source rate window.
// The admission checks run in order: existence, connection, validation,
// rate, cost, busy — a denial leaves no task state behind. The rate
// admission is recorded before the cost and busy checks, so a request
// denied for cost or busy still counts against the rate window.
func (r *Router) Dispatch(agentID, content string, msgContext map[string]any, peerIP string) (string, governor.Decision, error) {
	agent, ok := r.registry.Agent(agentID)
	if !ok {
		return "", governor.Decision{}, ErrAgentNotFound
	}
	if agent.ConnectionState != models.ConnectionConnected {
		return "", governor.Decision{}, ErrAgentNotConnected
	}
	if len(content) == 0 {
		return "", governor.Decision{}, &ValidationError{Message: "content must not be empty"}
	}
	if utf8.RuneCountInString(content) > models.MaxContentChars {
		return "", governor.Decision{}, &ValidationError{
			Message: fmt.Sprintf("content exceeds %d characters", models.MaxContentChars)}
	}

	decision, err := r.limiter.Admit(agentID, peerIP)
	if err != nil {
		r.sink.Enqueue(audit.Record{Event: "dispatch", Outcome: "rate_limited",
			AgentID: agentID, PeerAddress: peerIP})
		r.bus.Publish(events.Event{Type: events.EventRateLimitExceeded, AgentID: agentID,
			Message: "dispatch denied by rate limit"})
		return "", decision, err
	}
	if err := r.costs.Admit(r.projectedCost(content)); err != nil {
		r.sink.Enqueue(audit.Record{Event: "dispatch", Outcome: "cost_limited",
			AgentID: agentID, PeerAddress: peerIP})
		r.bus.Publish(events.Event{Type: events.EventCostLimitExceeded, AgentID: agentID,
			Message: "dispatch denied by cost limit"})
		return "", decision, err
	}

	msg := &models.ControlMessage{
		MessageID: uuid.New().String(),
		AgentID:   agentID,
		Kind:      models.KindDispatch,
		Content:   content,
		Context:   msgContext,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if !tk.state.Dispatchable() {
		r.mu.Unlock()
		return "", decision, ErrBusy
	}
	r.transitionLocked(agentID, tk, models.TaskDispatched, msg.MessageID, "")
	tk.startTimer = time.AfterFunc(r.cfg.StartTimeout, func() {
		r.timeout(agentID, msg.MessageID, "no progress before start timeout")
	})
	tk.totalTimer = time.AfterFunc(r.cfg.TotalTimeout, func() {
		r.timeout(agentID, msg.MessageID, "no response before total timeout")
	})
	r.mu.Unlock()

	if err := r.sender.Send(agentID, msg); err != nil {
		r.mu.Lock()
		r.failLocked(agentID, tk, "delivery failed: "+err.Error())
		r.mu.Unlock()
		return "", decision, ErrAgentNotConnected
	}

	r.sink.Enqueue(audit.Record{Event: "dispatch", Outcome: "pass",
		AgentID: agentID, MessageID: msg.MessageID, PeerAddress: peerIP})
	r.bus.Publish(events.Event{Type: events.EventTaskDispatched, AgentID: agentID,
		TaskID:  msg.MessageID,
		Message: fmt.Sprintf("task dispatched to %s", agentID),
		Metadata: map[string]any{
			"message_id":     msg.MessageID,
			"content_length": len(content),
		}})
	return msg.MessageID, decision, nil
}

// Followup delivers an additional operator message for the running task,
// reusing its message id.
func (r *Router) Followup(agentID, content, peerIP string) (governor.Decision, error) {
	if _, ok := r.registry.Agent(agentID); !ok {
		return governor.Decision{}, ErrAgentNotFound
	}
	if len(content) == 0 || utf8.RuneCountInString(content) > models.MaxContentChars {
		return governor.Decision{}, &ValidationError{
			Message: fmt.Sprintf("content must be 1..%d characters", models.MaxContentChars)}
	}
	decision, err := r.limiter.Admit(agentID, peerIP)
	if err != nil {
		r.bus.Publish(events.Event{Type: events.EventRateLimitExceeded, AgentID: agentID,
			Message: "follow-up denied by rate limit"})
		return decision, err
	}

	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if tk.state != models.TaskRunning {
		r.mu.Unlock()
		return decision, ErrNoActiveTask
	}
	messageID := tk.activeMessageID
	r.mu.Unlock()

	msg := &models.ControlMessage{
		MessageID: messageID,
		AgentID:   agentID,
		Kind:      models.KindFollowup,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := r.sender.Send(agentID, msg); err != nil {
		return decision, ErrAgentNotConnected
	}

	r.sink.Enqueue(audit.Record{Event: "followup", Outcome: "pass",
		AgentID: agentID, MessageID: messageID, PeerAddress: peerIP})
	r.bus.Publish(events.Event{Type: events.EventFollowupSent, AgentID: agentID,
		TaskID:  messageID,
		Message: fmt.Sprintf("follow-up sent to %s", agentID)})
	return decision, nil
}

// OnProgress relays a progress frame. Stale or mismatched message ids are
// dropped with a warning and never mutate state.
func (r *Router) OnProgress(agentID, messageID, content string) {
	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if !r.matchesLocked(tk, messageID) {
		r.mu.Unlock()
		slog.Warn("Dropping progress for stale message",
			"agent_id", agentID, "message_id", messageID)
		return
	}
	if tk.state == models.TaskDispatched {
		if tk.startTimer != nil {
			tk.startTimer.Stop()
		}
		r.transitionLocked(agentID, tk, models.TaskRunning, messageID, "")
	}
	r.mu.Unlock()

	r.bus.Publish(events.Event{Type: events.EventAgentProgress, AgentID: agentID,
		TaskID:  messageID,
		Message: fmt.Sprintf("progress from %s", agentID),
		Metadata: map[string]any{
			"content":        r.masker.Mask(content),
			"content_length": len(content),
		}})
}

// OnResponse latches the final response and settles the task. Usage is
// charged to the cost ledgers; responses for unknown message ids are
// dropped with an audit entry and never clobber last_response.
func (r *Router) OnResponse(agentID, messageID, content string, usage *models.Usage, errMsg string) {
	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if !r.matchesLocked(tk, messageID) {
		r.mu.Unlock()
		r.sink.Enqueue(audit.Record{Event: "response.dropped", AgentID: agentID,
			MessageID: messageID, Detail: map[string]any{"reason": "unknown or stale message_id"}})
		return
	}
	tk.stopTimersLocked()
	tk.lastResponse = &models.AgentResponse{
		MessageID: messageID,
		Kind:      models.ResponseFinal,
		Content:   content,
		Usage:     usage,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	state := models.TaskCompleted
	if errMsg != "" {
		state = models.TaskError
		tk.lastResponse.Kind = models.ResponseError
	}
	r.transitionLocked(agentID, tk, state, messageID, errMsg)
	r.mu.Unlock()

	if usage != nil {
		r.charge(agentID, usage)
	}
	metadata := map[string]any{"content": r.masker.Mask(content)}
	if usage != nil {
		metadata["usage"] = usage
	}
	if errMsg != "" {
		metadata["error"] = errMsg
	}
	r.bus.Publish(events.Event{Type: events.EventAgentResponse, AgentID: agentID,
		TaskID:   messageID,
		Message:  fmt.Sprintf("response from %s", agentID),
		Metadata: metadata})
}

// OnDisconnect fails any in-flight task when the bridge drops mid-task.
// last_response keeps whatever was last received.
func (r *Router) OnDisconnect(agentID string) {
	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if tk.state != models.TaskDispatched && tk.state != models.TaskRunning {
		r.mu.Unlock()
		return
	}
	r.failLocked(agentID, tk, "agent_disconnected")
	r.mu.Unlock()
}

// Status returns the agent's task view.
func (r *Router) Status(agentID string) (TaskStatus, error) {
	if _, ok := r.registry.Agent(agentID); !ok {
		return TaskStatus{}, ErrAgentNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tk := r.taskLocked(agentID)
	return TaskStatus{
		State:           tk.state,
		ActiveMessageID: tk.activeMessageID,
		LastError:       tk.lastError,
		LastResponse:    tk.lastResponse,
	}, nil
}

// Forget drops the router's record for an agent. Called when a replaced
// registration must not inherit a prior in-flight task.
func (r *Router) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tk, ok := r.tasks[agentID]; ok {
		tk.stopTimersLocked()
		delete(r.tasks, agentID)
	}
}

// timeout settles a task that produced no progress or no response in time.
// The agent stays connected; any late response for the message id is
// discarded by the match check.
func (r *Router) timeout(agentID, messageID, reason string) {
	r.mu.Lock()
	tk := r.taskLocked(agentID)
	if !r.matchesLocked(tk, messageID) {
		r.mu.Unlock()
		return
	}
	r.failLocked(agentID, tk, "timeout: "+reason)
	r.mu.Unlock()
	slog.Warn("Task timed out", "agent_id", agentID, "message_id", messageID, "reason", reason)
}

// charge prices reported usage and applies it to both ledgers, publishing
// cost tracking and warning events.
func (r *Router) charge(agentID string, usage *models.Usage) {
	cost := r.costs.CostForTokens(usage.TotalTokens)
	if cost <= 0 {
		return
	}
	warnings := r.costs.Charge(cost)
	r.bus.Publish(events.Event{Type: events.EventCostTracking, AgentID: agentID,
		Message: fmt.Sprintf("charged $%.2f for %d tokens", cost, usage.TotalTokens),
		Metadata: map[string]any{
			"cost_usd":     cost,
			"total_tokens": usage.TotalTokens,
		}})
	for _, w := range warnings {
		r.bus.Publish(events.Event{Type: events.EventCostTracking, AgentID: agentID,
			Message: fmt.Sprintf("%s ledger at $%.2f of $%.2f limit", w.Ledger, w.Total, w.Limit),
			Metadata: map[string]any{
				"warning": true,
				"ledger":  w.Ledger,
				"total":   w.Total,
				"limit":   w.Limit,
			}})
	}
}

// projectedCost estimates the spend of a dispatch before admission. With
// no token pricing configured the estimate is zero and cost admission is
// driven by already-charged usage alone.
func (r *Router) projectedCost(content string) float64 {
	return r.costs.CostForTokens(len(content) / 4)
}

// taskLocked returns the agent's task record, creating an idle one.
func (r *Router) taskLocked(agentID string) *task {
	tk, ok := r.tasks[agentID]
	if !ok {
		tk = &task{state: models.TaskIdle}
		r.tasks[agentID] = tk
	}
	return tk
}

// matchesLocked reports whether messageID addresses the in-flight task.
func (r *Router) matchesLocked(tk *task, messageID string) bool {
	if tk.state != models.TaskDispatched && tk.state != models.TaskRunning {
		return false
	}
	return tk.activeMessageID == messageID
}

// transitionLocked applies a task-state transition, mirrors it into the
// agent table, and emits AGENT_STATUS_CHANGED.
func (r *Router) transitionLocked(agentID string, tk *task, state models.TaskState, messageID, lastErr string) {
	old := tk.state
	tk.state = state
	tk.activeMessageID = messageID
	tk.lastError = lastErr
	r.registry.UpdateTask(agentID, state, messageID, lastErr)
	r.bus.Publish(events.Event{Type: events.EventAgentStatusChanged, AgentID: agentID,
		Message: fmt.Sprintf("task state %s -> %s", old, state),
		Metadata: map[string]any{
			"old_state": string(old),
			"new_state": string(state),
		}})
}

// failLocked settles the in-flight task as errored.
func (r *Router) failLocked(agentID string, tk *task, reason string) {
	tk.stopTimersLocked()
	r.transitionLocked(agentID, tk, models.TaskError, tk.activeMessageID, reason)
}

func (t *task) stopTimersLocked() {
	if t.startTimer != nil {
		t.startTimer.Stop()
		t.startTimer = nil
	}
	if t.totalTimer != nil {
		t.totalTimer.Stop()
		t.totalTimer = nil
	}
}
