package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// controlContextHandler handles GET /api/v1/control/context — the control
// session id plus both cost ledgers and their limits.
func (s *Server) controlContextHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Snapshot())
}
