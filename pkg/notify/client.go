// Package notify delivers operator notifications to Slack for events that
// deserve attention away from the dashboard: cost warnings and denials,
// rate-limit denials, and agent disconnects. Nil-safe: everything is a
// no-op when unconfigured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// postTimeout bounds each Slack API call.
const postTimeout = 10 * time.Second

// Client is a thin wrapper around the slack-go SDK.
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient creates a new Slack API client.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// NewClientWithAPIURL creates a Slack API client that targets a custom API
// URL. Useful for testing with a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// PostMessage sends a plain text message to the configured channel.
// Fail-open: errors are logged, never returned to the event path.
func (c *Client) PostMessage(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID,
		goslack.MsgOptionText(text, false))
	if err != nil {
		c.logger.Warn("chat.postMessage failed", "error", err)
	}
}

// formatUSD renders a dollar amount for notification text.
func formatUSD(usd float64) string {
	return fmt.Sprintf("$%.2f", usd)
}
