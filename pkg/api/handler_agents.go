package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/coderelay/pkg/models"
)

// registerAgentHandler handles POST /api/v1/agents/register — manual
// pre-registration of agent metadata before any bridge connects.
// Idempotent.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}
	if !models.ValidAgentID(req.AgentID) {
		return errorJSON(c, http.StatusBadRequest, "invalid_input",
			"agent_id must match ^[A-Za-z0-9._-]{1,64}$", "")
	}

	agent := s.ctrl.RegisterManual(req.AgentID, req.DisplayName, req.Capabilities)
	return c.JSON(http.StatusOK, agent)
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &AgentListResponse{Agents: s.ctrl.List()})
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, ok := s.ctrl.Agent(c.Param("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown_agent", "agent not found", "")
	}
	return c.JSON(http.StatusOK, agent)
}

// dispatchHandler handles POST /api/v1/agents/:id/dispatch.
func (s *Server) dispatchHandler(c *echo.Context) error {
	var req DispatchRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}

	messageID, decision, err := s.router.Dispatch(c.Param("id"), req.Content, req.Context, c.RealIP())
	if err != nil {
		return mapDispatchError(c, err)
	}
	setRateHeaders(c, decision)
	return c.JSON(http.StatusOK, &DispatchResponse{MessageID: messageID, Status: "dispatched"})
}

// followupHandler handles POST /api/v1/agents/:id/followup.
func (s *Server) followupHandler(c *echo.Context) error {
	var req FollowupRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}

	decision, err := s.router.Followup(c.Param("id"), req.Content, c.RealIP())
	if err != nil {
		return mapDispatchError(c, err)
	}
	setRateHeaders(c, decision)

	status, _ := s.router.Status(c.Param("id"))
	return c.JSON(http.StatusOK, &FollowupResponse{MessageID: status.ActiveMessageID, Status: "sent"})
}

// taskHandler handles GET /api/v1/agents/:id/task.
func (s *Server) taskHandler(c *echo.Context) error {
	status, err := s.router.Status(c.Param("id"))
	if err != nil {
		return mapDispatchError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}
