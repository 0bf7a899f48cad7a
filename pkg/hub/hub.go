package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coderelay/coderelay/pkg/audit"
	"github.com/coderelay/coderelay/pkg/auth"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/models"
)

// ErrAgentNotConnected is returned by Send when no live connection exists
// for the agent.
var ErrAgentNotConnected = errors.New("agent not connected")

// Registry is the slice of the control context the hub mutates. The hub
// holds no agent pointers of its own — every operation looks the agent up
// by id so a replacement is seen immediately.
type Registry interface {
	// RegisterConnected records a fresh registration, replacing any prior
	// record for the same agent id atomically.
	RegisterConnected(agent *models.Agent)
	// MarkDisconnected flips the agent's connection state. The hub calls it
	// only for the connection that is still the registered one.
	MarkDisconnected(agentID string)
	// Heartbeat records bridge liveness.
	Heartbeat(agentID string, at time.Time)
}

// MessageHandler receives inbound bridge frames routed by message id.
// Implemented by the dispatch router; set after construction.
type MessageHandler interface {
	OnProgress(agentID, messageID, content string)
	OnResponse(agentID, messageID, content string, usage *models.Usage, errMsg string)
	// OnDisconnect marks any in-flight task as failed with reason
	// agent_disconnected.
	OnDisconnect(agentID string)
}

// connState is the per-connection lifecycle. Only active connections
// accept inbound or outbound messages.
type connState int

const (
	stateHandshaking connState = iota
	stateActive
	stateClosing
	stateClosed
)

// conn is one live bridge connection.
type conn struct {
	agentID   string
	sessionID string
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	state    connState
	lastBeat time.Time
	replaced bool
}

// Hub is the bridge connection endpoint. One instance per control context.
type Hub struct {
	cfg       config.HubConfig
	validator *auth.Validator
	sink      *audit.Sink
	bus       *events.Bus
	registry  Registry

	handlerMu sync.RWMutex
	handler   MessageHandler

	mu    sync.RWMutex
	conns map[string]*conn // agent_id → live connection
}

// New creates a Hub. The message handler is set after construction via
// SetHandler (the router is built on top of the hub's Send).
func New(cfg config.HubConfig, validator *auth.Validator, sink *audit.Sink, bus *events.Bus, registry Registry) *Hub {
	return &Hub{
		cfg:       cfg,
		validator: validator,
		sink:      sink,
		bus:       bus,
		registry:  registry,
		conns:     make(map[string]*conn),
	}
}

// SetHandler wires the inbound message handler. Called once during startup.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// ActiveConnections returns the number of live bridge connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleConnection runs the full lifecycle of one accepted bridge socket:
// handshake, registration, heartbeat watchdog, read loop, cleanup. Blocks
// until the connection closes. peerAddr is the remote address for auditing.
func (h *Hub) HandleConnection(parentCtx context.Context, ws *websocket.Conn, peerAddr string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		state:    stateHandshaking,
		lastBeat: time.Now(),
	}
	defer cancel()

	// 1. Handshake: the first frame must be a valid register within the
	//    handshake timeout.
	reg, err := h.awaitRegister(ctx, ws)
	if err != nil {
		h.closeWith(c, CloseProtocolError, "invalid handshake")
		return
	}
	if !models.ValidAgentID(reg.AgentID) {
		h.audit(audit.Record{Event: "agent.register", Outcome: "fail", PeerAddress: peerAddr,
			Detail: map[string]any{"reason": "invalid agent_id"}})
		h.closeWith(c, CloseProtocolError, "invalid agent_id")
		return
	}
	if reg.Workdir != "" && !validWorkdir(reg.Workdir) {
		h.audit(audit.Record{Event: "agent.register", Outcome: "fail", AgentID: reg.AgentID,
			PeerAddress: peerAddr, Detail: map[string]any{"reason": "path violation", "workdir": reg.Workdir}})
		h.bus.Publish(events.Event{Type: events.EventPathViolation, AgentID: reg.AgentID,
			Message: "registration rejected: workdir outside sandbox",
			Metadata: map[string]any{"workdir": reg.Workdir}})
		h.closeWith(c, CloseProtocolError, "invalid workdir")
		return
	}
	if _, err := h.validator.Validate(reg.AuthToken, peerAddr); err != nil {
		h.bus.Publish(events.Event{Type: events.EventAuthFailure, AgentID: reg.AgentID,
			Message: "bridge registration rejected"})
		h.closeWith(c, CloseAuthFailure, "authentication failure")
		return
	}

	c.agentID = reg.AgentID
	c.sessionID = uuid.New().String()

	// 2. Take over the agent id, replacing any prior connection. The old
	//    bridge receives close 4004 and its cleanup is suppressed.
	h.adopt(c)
	h.registry.RegisterConnected(&models.Agent{
		AgentID:         reg.AgentID,
		DisplayName:     reg.DisplayName,
		Capabilities:    reg.Capabilities,
		Workdir:         reg.Workdir,
		ConnectionState: models.ConnectionConnected,
		TaskState:       models.TaskIdle,
		ConnectedAt:     time.Now(),
		LastHeartbeatAt: time.Now(),
	})
	h.audit(audit.Record{Event: "agent.register", Outcome: "pass", AgentID: reg.AgentID, PeerAddress: peerAddr})
	h.bus.Publish(events.Event{Type: events.EventAgentRegistered, AgentID: reg.AgentID,
		Message:  fmt.Sprintf("agent %s registered", reg.AgentID),
		Metadata: map[string]any{"capabilities": reg.Capabilities}})

	if err := h.writeJSON(c, registeredFrame{
		Type:       frameRegistered,
		SessionID:  c.sessionID,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		h.teardown(c, "write failed")
		return
	}
	c.setState(stateActive)

	// 3. Heartbeat watchdog.
	watchdogDone := make(chan struct{})
	go h.runWatchdog(c, watchdogDone)
	defer close(watchdogDone)

	// 4. Read loop. All inbound frames for one agent are processed in
	//    arrival order on this goroutine.
	h.readLoop(c, peerAddr)
}

// awaitRegister reads and decodes the handshake frame.
func (h *Hub) awaitRegister(ctx context.Context, ws *websocket.Conn) (*bridgeFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var frame bridgeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type != frameRegister {
		return nil, fmt.Errorf("expected register frame, got %q", frame.Type)
	}
	return &frame, nil
}

// adopt installs c as the live connection for its agent id, closing any
// prior connection with 4004 agent_replaced.
func (h *Hub) adopt(c *conn) {
	h.mu.Lock()
	prior := h.conns[c.agentID]
	h.conns[c.agentID] = c
	h.mu.Unlock()

	if prior != nil {
		prior.mu.Lock()
		prior.replaced = true
		prior.mu.Unlock()
		h.closeWith(prior, CloseAgentReplaced, "agent_replaced")
		slog.Info("Bridge connection replaced", "agent_id", c.agentID)
	}
}

// readLoop processes inbound frames until the socket closes.
func (h *Hub) readLoop(c *conn, peerAddr string) {
	defer h.teardown(c, "connection closed")

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.audit(audit.Record{Event: "bridge.protocol_error", AgentID: c.agentID,
				PeerAddress: peerAddr, Detail: map[string]any{"error": err.Error()}})
			h.closeWith(c, CloseProtocolError, "malformed frame")
			return
		}
		if !c.isActive() {
			slog.Warn("Dropping frame on non-active connection",
				"agent_id", c.agentID, "type", frame.Type)
			continue
		}

		switch frame.Type {
		case frameHeartbeat:
			now := time.Now()
			c.mu.Lock()
			c.lastBeat = now
			c.mu.Unlock()
			h.registry.Heartbeat(c.agentID, now)

		case frameProgress:
			if frame.MessageID == "" {
				h.protocolViolation(c, peerAddr, "progress frame missing message_id")
				return
			}
			h.withHandler(func(m MessageHandler) { m.OnProgress(c.agentID, frame.MessageID, frame.Content) })

		case frameResponse, frameError:
			if frame.MessageID == "" {
				h.protocolViolation(c, peerAddr, "response frame missing message_id")
				return
			}
			errMsg := frame.Error
			if frame.Type == frameError && errMsg == "" {
				errMsg = frame.Content
			}
			h.withHandler(func(m MessageHandler) {
				m.OnResponse(c.agentID, frame.MessageID, frame.Content, frame.Usage, errMsg)
			})

		default:
			h.protocolViolation(c, peerAddr, fmt.Sprintf("unknown frame type %q", frame.Type))
			return
		}
	}
}

// protocolViolation audits and closes a misbehaving connection with 4002.
func (h *Hub) protocolViolation(c *conn, peerAddr, reason string) {
	h.audit(audit.Record{Event: "bridge.protocol_error", AgentID: c.agentID,
		PeerAddress: peerAddr, Detail: map[string]any{"reason": reason}})
	h.closeWith(c, CloseProtocolError, reason)
}

// runWatchdog closes the connection when the bridge misses too many
// heartbeat intervals.
func (h *Hub) runWatchdog(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadline := time.Duration(h.cfg.MissedHeartbeats) * h.cfg.HeartbeatInterval
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastBeat)
			c.mu.Unlock()
			if silent > deadline {
				slog.Warn("Heartbeat timeout, closing bridge",
					"agent_id", c.agentID, "silent", silent)
				h.closeWith(c, CloseHeartbeatTimeout, "heartbeat_timeout")
				return
			}
		}
	}
}

// Send delivers a control message envelope to the agent's bridge. The
// connection is looked up by id at write time; a replaced or missing
// connection surfaces ErrAgentNotConnected so the router can fail the task.
func (h *Hub) Send(agentID string, msg *models.ControlMessage) error {
	h.mu.RLock()
	c := h.conns[agentID]
	h.mu.RUnlock()
	if c == nil || !c.isActive() {
		return ErrAgentNotConnected
	}
	return h.writeJSON(c, dispatchFrame{
		Type:       frameDispatch,
		MessageID:  msg.MessageID,
		Content:    msg.Content,
		Context:    msg.Context,
		IsFollowup: msg.Kind == models.KindFollowup,
	})
}

// Shutdown closes every live connection with a close notice. Used on
// graceful process exit.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		c.replaced = true // suppress per-agent disconnect handling
		c.mu.Unlock()
		_ = h.writeJSON(c, closeFrame{Type: frameClose, Reason: "server_shutdown"})
		h.closeWith(c, websocket.StatusNormalClosure, "server_shutdown")
	}
}

// teardown runs once per connection when its read loop exits. If the
// connection was replaced, the successor owns the agent record and no
// disconnect is signalled.
func (h *Hub) teardown(c *conn, reason string) {
	c.setState(stateClosed)
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	replaced := c.replaced
	c.mu.Unlock()
	if c.agentID == "" || replaced {
		return
	}

	// Only unregister if this connection is still the registered one.
	h.mu.Lock()
	current := h.conns[c.agentID] == c
	if current {
		delete(h.conns, c.agentID)
	}
	h.mu.Unlock()
	if !current {
		return
	}

	h.registry.MarkDisconnected(c.agentID)
	h.withHandler(func(m MessageHandler) { m.OnDisconnect(c.agentID) })
	h.audit(audit.Record{Event: "agent.disconnect", AgentID: c.agentID,
		Detail: map[string]any{"reason": reason}})
	h.bus.Publish(events.Event{Type: events.EventAgentDisconnected, AgentID: c.agentID,
		Message: fmt.Sprintf("agent %s disconnected", c.agentID)})
}

// closeWith sends an error frame carrying the code and reason (best effort,
// non-normal codes only) and closes the socket with the given status code.
func (h *Hub) closeWith(c *conn, code websocket.StatusCode, reason string) {
	c.setState(stateClosing)
	if code != websocket.StatusNormalClosure {
		_ = h.writeJSON(c, errorFrame{Type: frameError, Code: int(code), Message: reason})
	}
	_ = c.ws.Close(code, reason)
	c.cancel()
}

// writeJSON marshals and writes one frame with the configured write
// timeout. A timed-out write leaves the connection unhealthy; callers
// treat the error as a delivery failure.
func (h *Hub) writeJSON(c *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, h.cfg.WriteTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func (h *Hub) withHandler(fn func(MessageHandler)) {
	h.handlerMu.RLock()
	m := h.handler
	h.handlerMu.RUnlock()
	if m != nil {
		fn(m)
	}
}

func (h *Hub) audit(rec audit.Record) {
	h.sink.Enqueue(rec)
}

func (c *conn) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// CLOSED is terminal.
	if c.state != stateClosed {
		c.state = s
	}
}

func (c *conn) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}

// validWorkdir accepts absolute paths without parent-directory escapes.
func validWorkdir(path string) bool {
	if len(path) == 0 || path[0] != '/' {
		return false
	}
	for i := 0; i+1 < len(path); i++ {
		if path[i] == '.' && path[i+1] == '.' {
			return false
		}
	}
	return true
}
