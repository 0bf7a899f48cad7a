package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/auth"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/models"
)

// memRegistry is an in-memory Registry for hub tests.
type memRegistry struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
}

func newMemRegistry() *memRegistry {
	return &memRegistry{agents: make(map[string]*models.Agent)}
}

func (r *memRegistry) RegisterConnected(agent *models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.AgentID] = agent
}

func (r *memRegistry) MarkDisconnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.ConnectionState = models.ConnectionDisconnected
	}
}

func (r *memRegistry) Heartbeat(agentID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastHeartbeatAt = at
	}
}

func (r *memRegistry) state(agentID string) (models.ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	return a.ConnectionState, true
}

// recordingHandler captures routed frames.
type recordingHandler struct {
	mu          sync.Mutex
	progress    []string
	responses   []string
	disconnects []string
}

func (h *recordingHandler) OnProgress(agentID, messageID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, agentID+"/"+messageID+"/"+content)
}

func (h *recordingHandler) OnResponse(agentID, messageID, content string, usage *models.Usage, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, agentID+"/"+messageID+"/"+content+"/"+errMsg)
}

func (h *recordingHandler) OnDisconnect(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, agentID)
}

func (h *recordingHandler) snapshot() (progress, responses, disconnects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.progress...),
		append([]string(nil), h.responses...),
		append([]string(nil), h.disconnects...)
}

type hubFixture struct {
	hub      *Hub
	bus      *events.Bus
	registry *memRegistry
	handler  *recordingHandler
	server   *httptest.Server
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Minute,
		MissedHeartbeats:  3,
		WriteTimeout:      2 * time.Second,
	}
}

func startHub(t *testing.T, cfg config.HubConfig) *hubFixture {
	t.Helper()

	bus := events.NewBus(config.EventsConfig{RingSize: 100, SubscriberQueueSize: 100})
	registry := newMemRegistry()
	validator := auth.NewValidator(config.AuthConfig{Tokens: []string{"bridge-token"}}, nil)
	handler := &recordingHandler{}

	h := New(cfg, validator, nil, bus, registry)
	h.SetHandler(handler)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		h.HandleConnection(r.Context(), conn, r.RemoteAddr)
	}))
	t.Cleanup(server.Close)

	return &hubFixture{hub: h, bus: bus, registry: registry, handler: handler, server: server}
}

func dial(t *testing.T, f *hubFixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+f.server.URL[4:], nil)
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// register performs the handshake and consumes the registered frame.
func register(t *testing.T, f *hubFixture, agentID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, f)
	send(t, conn, map[string]any{
		"type":       "register",
		"agent_id":   agentID,
		"auth_token": "bridge-token",
		"workdir":    "/workspaces/" + agentID,
	})
	frame := read(t, conn)
	require.Equal(t, "registered", frame["type"])
	require.NotEmpty(t, frame["session_id"])
	return conn
}

func TestHandshakeRegisters(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	state, ok := f.registry.state("a1")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionConnected, state)
	assert.Equal(t, 1, f.hub.ActiveConnections())

	require.Eventually(t, func() bool {
		for _, evt := range f.bus.Recent(0, "a1") {
			if evt.Type == events.EventAgentRegistered {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadAuth(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := dial(t, f)
	send(t, conn, map[string]any{"type": "register", "agent_id": "a1", "auth_token": "wrong"})

	// An error frame precedes the close.
	frame := read(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, float64(CloseAuthFailure), frame["code"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseAuthFailure, websocket.CloseStatus(err))
	assert.Equal(t, 0, f.hub.ActiveConnections())
}

func TestHandshakeRejectsBadAgentID(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := dial(t, f)
	send(t, conn, map[string]any{"type": "register", "agent_id": "spaces not allowed", "auth_token": "bridge-token"})

	frame := read(t, conn)
	assert.Equal(t, float64(CloseProtocolError), frame["code"])
}

func TestHandshakeRejectsParentEscapeWorkdir(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := dial(t, f)
	send(t, conn, map[string]any{
		"type": "register", "agent_id": "a1", "auth_token": "bridge-token",
		"workdir": "/workspaces/../etc",
	})

	frame := read(t, conn)
	assert.Equal(t, float64(CloseProtocolError), frame["code"])

	require.Eventually(t, func() bool {
		for _, evt := range f.bus.Recent(0, "a1") {
			if evt.Type == events.EventPathViolation {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsNonRegisterFrame(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := dial(t, f)
	send(t, conn, map[string]any{"type": "heartbeat", "ts": "now"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, CloseProtocolError, websocket.CloseStatus(err))
			return
		}
	}
}

func TestInboundFramesRoutedInOrder(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, map[string]any{"type": "progress", "message_id": "m1", "content": "step 1"})
	send(t, conn, map[string]any{"type": "progress", "message_id": "m1", "content": "step 2"})
	send(t, conn, map[string]any{"type": "response", "message_id": "m1", "content": "done",
		"usage": map[string]int{"total_tokens": 9}})

	require.Eventually(t, func() bool {
		_, responses, _ := f.handler.snapshot()
		return len(responses) == 1
	}, time.Second, 10*time.Millisecond)

	progress, responses, _ := f.handler.snapshot()
	assert.Equal(t, []string{"a1/m1/step 1", "a1/m1/step 2"}, progress)
	assert.Equal(t, []string{"a1/m1/done/"}, responses)
}

func TestErrorFrameRoutedAsResponse(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, map[string]any{"type": "error", "message_id": "m1", "content": "exploded"})

	require.Eventually(t, func() bool {
		_, responses, _ := f.handler.snapshot()
		return len(responses) == 1 && responses[0] == "a1/m1/exploded/exploded"
	}, time.Second, 10*time.Millisecond)
}

func TestSendDeliversDispatchFrame(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	err := f.hub.Send("a1", &models.ControlMessage{
		MessageID: "m1",
		AgentID:   "a1",
		Kind:      models.KindDispatch,
		Content:   "fix the tests",
		Context:   map[string]any{"repo": "x"},
	})
	require.NoError(t, err)

	frame := read(t, conn)
	assert.Equal(t, "dispatch", frame["type"])
	assert.Equal(t, "m1", frame["message_id"])
	assert.Equal(t, "fix the tests", frame["content"])
	assert.Equal(t, false, frame["is_followup"])

	// Follow-ups reuse the frame type with is_followup set.
	err = f.hub.Send("a1", &models.ControlMessage{
		MessageID: "m1", AgentID: "a1", Kind: models.KindFollowup, Content: "and the lint",
	})
	require.NoError(t, err)
	frame = read(t, conn)
	assert.Equal(t, true, frame["is_followup"])
}

func TestSendToUnknownAgent(t *testing.T) {
	f := startHub(t, testHubConfig())
	err := f.hub.Send("ghost", &models.ControlMessage{MessageID: "m1"})
	require.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestPeerDisconnectSignalsRouterAndBus(t *testing.T) {
	f := startHub(t, testHubConfig())
	conn := register(t, f, "a1")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		_, _, disconnects := f.handler.snapshot()
		return len(disconnects) == 1
	}, time.Second, 10*time.Millisecond)

	state, _ := f.registry.state("a1")
	assert.Equal(t, models.ConnectionDisconnected, state)
	assert.Equal(t, 0, f.hub.ActiveConnections())

	found := false
	for _, evt := range f.bus.Recent(0, "a1") {
		if evt.Type == events.EventAgentDisconnected {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReRegistrationReplacesConnection(t *testing.T) {
	f := startHub(t, testHubConfig())
	first := register(t, f, "a1")
	second := register(t, f, "a1")
	defer second.Close(websocket.StatusNormalClosure, "")

	// The first bridge is closed with 4004 agent_replaced; it may first
	// receive the error notice frame.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := first.Read(ctx)
		if err != nil {
			assert.Equal(t, CloseAgentReplaced, websocket.CloseStatus(err))
			break
		}
	}

	// The replacement is the live connection and the agent never went
	// through DISCONNECTED.
	require.Eventually(t, func() bool {
		return f.hub.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)
	state, _ := f.registry.state("a1")
	assert.Equal(t, models.ConnectionConnected, state)

	_, _, disconnects := f.handler.snapshot()
	assert.Empty(t, disconnects)

	// Outbound writes reach the new bridge.
	require.NoError(t, f.hub.Send("a1", &models.ControlMessage{MessageID: "m2", Content: "hello"}))
	frame := read(t, second)
	assert.Equal(t, "m2", frame["message_id"])
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	cfg := testHubConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MissedHeartbeats = 3
	f := startHub(t, cfg)

	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Never send a heartbeat: after three silent intervals the hub closes
	// with 4003 and signals a disconnect.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, CloseHeartbeatTimeout, websocket.CloseStatus(err))
			break
		}
	}

	require.Eventually(t, func() bool {
		_, _, disconnects := f.handler.snapshot()
		return len(disconnects) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	cfg := testHubConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MissedHeartbeats = 3
	f := startHub(t, cfg)

	conn := register(t, f, "a1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Beat faster than the watchdog for well past the timeout horizon.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		send(t, conn, map[string]any{"type": "heartbeat", "ts": "t"})
		time.Sleep(15 * time.Millisecond)
	}

	assert.Equal(t, 1, f.hub.ActiveConnections())
	_, _, disconnects := f.handler.snapshot()
	assert.Empty(t, disconnects)
}
