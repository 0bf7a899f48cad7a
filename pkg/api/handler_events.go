package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/coderelay/pkg/events"
)

// streamHeartbeatInterval keeps idle SSE connections alive through
// proxies and lets the server notice dead clients.
const streamHeartbeatInterval = 15 * time.Second

// eventsHandler handles GET /api/v1/events — the live event stream for
// the whole control context.
func (s *Server) eventsHandler(c *echo.Context) error {
	return s.streamEvents(c, "")
}

// agentEventsHandler handles GET /api/v1/agents/:id/events — the live
// stream filtered to one agent.
func (s *Server) agentEventsHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if _, ok := s.ctrl.Agent(agentID); !ok {
		return errorJSON(c, http.StatusNotFound, "unknown_agent", "agent not found", "")
	}
	return s.streamEvents(c, agentID)
}

// recentEventsHandler handles GET /api/v1/events/recent — a query over
// the in-memory ring for reconnecting clients (live streams are tail-only).
func (s *Server) recentEventsHandler(c *echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer", "")
		}
		limit = n
	}
	recent := s.ctrl.Bus().Recent(limit, c.QueryParam("agent_id"))
	return c.JSON(http.StatusOK, &RecentEventsResponse{Events: recent})
}

// streamEvents serves the SSE stream: each event is framed as
// "event: <name>\ndata: <json>\nid: <event_id>\n\n" with the lowercased
// event type as the name. Subscribers are live-tail only; on reconnect clients see only new
// events. Each write carries a deadline so a stalled browser cannot hold
// the stream goroutine — a timed-out or failed write releases the
// subscriber (its queued events were already dropped by the bus).
func (s *Server) streamEvents(c *echo.Context, agentID string) error {
	resp := c.Response()
	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	rc := http.NewResponseController(resp)
	writeTimeout := s.cfg.Events.SubscriberWriteTimeout

	bus := s.ctrl.Bus()
	sub := bus.Subscribe(agentID)
	defer bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	write := func(fn func() error) error {
		if writeTimeout > 0 {
			_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := fn(); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-heartbeat.C:
			if err := write(func() error {
				_, err := fmt.Fprint(resp, ": ping\n\n")
				return err
			}); err != nil {
				return nil
			}

		case evt := <-sub.C:
			if err := write(func() error { return writeSSE(resp, evt) }); err != nil {
				return nil
			}
		}
	}
}

// writeSSE frames one event onto the stream.
func writeSSE(w io.Writer, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\nid: %d\n\n", evt.Type.StreamName(), data, evt.ID)
	return err
}
