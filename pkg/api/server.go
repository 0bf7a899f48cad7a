// Package api provides the operator-facing HTTP surface: REST operations
// over the control context, live event streams, and the bridge WebSocket
// endpoint. Handlers are thin — they compose auth, the governor, and the
// owning component.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/coderelay/coderelay/pkg/audit"
	"github.com/coderelay/coderelay/pkg/auth"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/control"
	"github.com/coderelay/coderelay/pkg/dispatch"
	"github.com/coderelay/coderelay/pkg/hub"
	"github.com/coderelay/coderelay/pkg/sim"
	"github.com/coderelay/coderelay/pkg/version"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	ctrl       *control.Context
	validator  *auth.Validator
	sink       *audit.Sink
	hub        *hub.Hub
	router     *dispatch.Router
	engine     *sim.Engine
}

// NewServer creates a new API server with Echo v5.
func NewServer(
	cfg *config.Config,
	ctrl *control.Context,
	validator *auth.Validator,
	sink *audit.Sink,
	bridgeHub *hub.Hub,
	router *dispatch.Router,
	engine *sim.Engine,
) *Server {
	e := echo.New()

	s := &Server{
		echo:      e,
		cfg:       cfg,
		ctrl:      ctrl,
		validator: validator,
		sink:      sink,
		hub:       bridgeHub,
		router:    router,
		engine:    engine,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Server-wide body size limit. Rejects oversized payloads at the HTTP
	// read level before deserialization, complementing the per-field
	// content length check in the dispatch handlers.
	s.echo.Use(middleware.BodyLimit(int(s.cfg.Server.BodyLimitBytes)))
	s.echo.Use(securityHeaders())

	// Health check and the bridge socket sit outside bearer auth: bridges
	// authenticate inside their register frame.
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/bridge/ws", s.bridgeWSHandler)

	v1 := s.echo.Group("/api/v1", s.bearerAuth())

	v1.GET("/control/context", s.controlContextHandler)

	v1.POST("/agents/register", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.POST("/agents/:id/dispatch", s.dispatchHandler)
	v1.POST("/agents/:id/followup", s.followupHandler)
	v1.GET("/agents/:id/task", s.taskHandler)
	v1.GET("/agents/:id/events", s.agentEventsHandler)

	v1.GET("/events", s.eventsHandler)
	v1.GET("/events/recent", s.recentEventsHandler)

	simGroup := v1.Group("/simulation")
	simGroup.POST("/init", s.simInitHandler)
	simGroup.POST("/graph", s.simGraphHandler)
	simGroup.POST("/start", s.simStartHandler)
	simGroup.POST("/tick", s.simTickHandler)
	simGroup.POST("/pause", s.simPauseHandler)
	simGroup.POST("/stop", s.simStopHandler)
	simGroup.POST("/reset", s.simResetHandler)
	simGroup.GET("/state", s.simStateHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	busStats := s.ctrl.Bus().Stats()
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		Hub: HubStats{
			ActiveConnections: s.hub.ActiveConnections(),
		},
		Events: busStats,
		Audit: AuditStats{
			DroppedRecords: s.sink.Dropped(),
		},
	})
}
