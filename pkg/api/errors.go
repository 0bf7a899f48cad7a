package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/coderelay/pkg/dispatch"
	"github.com/coderelay/coderelay/pkg/governor"
	"github.com/coderelay/coderelay/pkg/sim"
)

// ErrorBody is the error envelope carried by every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorResponse wraps ErrorBody as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// errorJSON writes the standard error envelope.
func errorJSON(c *echo.Context, status int, code, message, detail string) error {
	return c.JSON(status, &ErrorResponse{Error: ErrorBody{
		Code:    code,
		Message: message,
		Detail:  detail,
	}})
}

// mapDispatchError maps router and governor errors to HTTP responses.
func mapDispatchError(c *echo.Context, err error) error {
	var validErr *dispatch.ValidationError
	if errors.As(err, &validErr) {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", validErr.Message, "")
	}
	var rateErr *governor.RateLimitError
	if errors.As(err, &rateErr) {
		setRateHeaders(c, rateErr.Decision)
		return errorJSON(c, http.StatusTooManyRequests, "rate_limited",
			"rate limit exceeded", fmt.Sprintf("scope %s", rateErr.Scope))
	}
	var costErr *governor.CostLimitError
	if errors.As(err, &costErr) {
		return errorJSON(c, http.StatusPaymentRequired, "cost_limited",
			"cost limit exceeded",
			fmt.Sprintf("%s ledger at $%.2f of $%.2f", costErr.Ledger, costErr.Total, costErr.Limit))
	}
	switch {
	case errors.Is(err, dispatch.ErrAgentNotFound):
		return errorJSON(c, http.StatusNotFound, "unknown_agent", "agent not found", "")
	case errors.Is(err, dispatch.ErrAgentNotConnected):
		return errorJSON(c, http.StatusConflict, "not_connected", "agent has no live bridge connection", "")
	case errors.Is(err, dispatch.ErrBusy):
		return errorJSON(c, http.StatusConflict, "busy", "a task is already in flight for this agent", "")
	case errors.Is(err, dispatch.ErrNoActiveTask):
		return errorJSON(c, http.StatusConflict, "no_active_task", "no running task to follow up on", "")
	}

	slog.Error("Unexpected dispatch error", "error", err)
	return errorJSON(c, http.StatusInternalServerError, "internal", "internal server error", "")
}

// mapSimError maps simulation engine errors to HTTP responses.
func mapSimError(c *echo.Context, err error) error {
	var cfgErr *sim.ConfigError
	if errors.As(err, &cfgErr) {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", cfgErr.Message, "")
	}
	var costErr *governor.CostLimitError
	if errors.As(err, &costErr) {
		return errorJSON(c, http.StatusPaymentRequired, "cost_limited", "cost limit exceeded",
			fmt.Sprintf("%s ledger at $%.2f of $%.2f", costErr.Ledger, costErr.Total, costErr.Limit))
	}
	switch {
	case errors.Is(err, sim.ErrEngineBusy):
		return errorJSON(c, http.StatusTooManyRequests, "engine_busy", "tick rate limit not elapsed or run in progress", "")
	case errors.Is(err, sim.ErrNotRunning):
		return errorJSON(c, http.StatusConflict, "not_running", "simulation is not running", "")
	case errors.Is(err, sim.ErrNotConfigured):
		return errorJSON(c, http.StatusConflict, "not_configured", "roster and graph must be configured first", "")
	}

	slog.Error("Unexpected simulation error", "error", err)
	return errorJSON(c, http.StatusInternalServerError, "internal", "internal server error", "")
}

// setRateHeaders attaches the X-RateLimit-* headers from a decision.
func setRateHeaders(c *echo.Context, d governor.Decision) {
	h := c.Response().Header()
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	}
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	if d.RetryAfter > 0 {
		h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(math.Ceil(d.RetryAfter.Seconds()))))
	} else if !d.Allowed {
		h.Set("X-RateLimit-Reset", "0")
	}
}
