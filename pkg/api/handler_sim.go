package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// simInitHandler handles POST /api/v1/simulation/init — configures the
// roster.
func (s *Server) simInitHandler(c *echo.Context) error {
	var req SimInitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}
	if err := s.engine.Init(req.Agents); err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

// simGraphHandler handles POST /api/v1/simulation/graph — sets directed
// edges, with bidirectional sugar expanding to two edges.
func (s *Server) simGraphHandler(c *echo.Context) error {
	var req SimGraphRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}
	if err := s.engine.SetGraph(req.Edges); err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

// simStartHandler handles POST /api/v1/simulation/start. From PAUSED this
// resumes; otherwise it seeds the queue with the initial prompt.
func (s *Server) simStartHandler(c *echo.Context) error {
	var req SimStartRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", "malformed JSON body", "")
	}
	if err := s.engine.Start(req.InitialPrompt, req.FirstAgentID); err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

// simTickHandler handles POST /api/v1/simulation/tick — advances exactly
// one tick and returns the tick summary.
func (s *Server) simTickHandler(c *echo.Context) error {
	summary, err := s.engine.Tick(c.Request().Context())
	if err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// simPauseHandler handles POST /api/v1/simulation/pause.
func (s *Server) simPauseHandler(c *echo.Context) error {
	if err := s.engine.Pause(); err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

// simStopHandler handles POST /api/v1/simulation/stop.
func (s *Server) simStopHandler(c *echo.Context) error {
	if err := s.engine.Stop(); err != nil {
		return mapSimError(c, err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

// simResetHandler handles POST /api/v1/simulation/reset — clears run
// state, preserving roster, graph, and budgets.
func (s *Server) simResetHandler(c *echo.Context) error {
	s.engine.Reset()
	return c.JSON(http.StatusOK, s.engine.State())
}

// simStateHandler handles GET /api/v1/simulation/state.
func (s *Server) simStateHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.State())
}
