package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
)

// Service forwards selected control-plane events to Slack. It consumes the
// event bus like any other subscriber, so notification delivery can never
// back-pressure publishers.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a notification service. Returns nil if token or
// channel is empty.
func NewService(cfg config.SlackConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify"),
	}
}

// Watch subscribes to the bus and forwards notable events until ctx is
// cancelled. Blocks; run it on its own goroutine.
func (s *Service) Watch(ctx context.Context, bus *events.Bus) {
	if s == nil {
		return
	}
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	s.logger.Info("Slack notifications enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.C:
			if text := s.render(evt); text != "" {
				s.client.PostMessage(ctx, text)
			}
		}
	}
}

// render maps an event to notification text; empty means skip.
func (s *Service) render(evt events.Event) string {
	switch evt.Type {
	case events.EventCostLimitExceeded:
		return fmt.Sprintf(":no_entry: Cost limit exceeded — %s (agent %s)", evt.Message, evt.AgentID)

	case events.EventCostTracking:
		// Only ledger warnings, not every charge.
		warned, _ := evt.Metadata["warning"].(bool)
		if !warned {
			return ""
		}
		ledger, _ := evt.Metadata["ledger"].(string)
		total, _ := evt.Metadata["total"].(float64)
		limit, _ := evt.Metadata["limit"].(float64)
		return fmt.Sprintf(":warning: %s cost ledger at %s of %s limit",
			ledger, formatUSD(total), formatUSD(limit))

	case events.EventAgentDisconnected:
		return fmt.Sprintf(":electric_plug: Agent %s disconnected", evt.AgentID)

	case events.EventRateLimitExceeded:
		return fmt.Sprintf(":hourglass: Rate limit exceeded for agent %s", evt.AgentID)

	default:
		return ""
	}
}
