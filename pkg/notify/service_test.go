package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
)

// slackStub captures chat.postMessage calls.
type slackStub struct {
	mu    sync.Mutex
	texts []string
}

func (s *slackStub) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.texts = append(s.texts, r.FormValue("text"))
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1.2"})
}

func (s *slackStub) captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func TestNewServiceRequiresConfig(t *testing.T) {
	assert.Nil(t, NewService(config.SlackConfig{}))
	assert.Nil(t, NewService(config.SlackConfig{Token: "xoxb-1"}))
	assert.Nil(t, NewService(config.SlackConfig{Channel: "C1"}))
	assert.NotNil(t, NewService(config.SlackConfig{Token: "xoxb-1", Channel: "C1"}))
}

func TestNilServiceIsNoOp(t *testing.T) {
	var svc *Service
	bus := events.NewBus(config.EventsConfig{RingSize: 8, SubscriberQueueSize: 8})
	svc.Watch(context.Background(), bus) // returns immediately
}

func TestWatchForwardsNotableEvents(t *testing.T) {
	stub := &slackStub{}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	svc := NewServiceWithClient(NewClientWithAPIURL("xoxb-test", "C1", server.URL+"/"))
	bus := events.NewBus(config.EventsConfig{RingSize: 32, SubscriberQueueSize: 32})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Watch(ctx, bus)
	}()

	// Give the watcher time to subscribe before publishing.
	require.Eventually(t, func() bool {
		return bus.Stats().Subscribers == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.EventAgentDisconnected, AgentID: "a1"})
	bus.Publish(events.Event{Type: events.EventTaskDispatched, AgentID: "a1"}) // ignored
	bus.Publish(events.Event{Type: events.EventCostTracking, AgentID: "a1",
		Metadata: map[string]any{"cost_usd": 0.5}}) // plain charge, ignored
	bus.Publish(events.Event{Type: events.EventCostTracking, AgentID: "a1",
		Metadata: map[string]any{"warning": true, "ledger": "session", "total": 4.0, "limit": 5.0}})

	require.Eventually(t, func() bool {
		return len(stub.captured()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	texts := stub.captured()
	assert.Contains(t, texts[0], "a1 disconnected")
	assert.Contains(t, texts[1], "session cost ledger at $4.00 of $5.00")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
