package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/coderelay/pkg/events"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// bearerAuth returns middleware that validates the Authorization bearer
// token on every /api/v1 request. Failures are uniform 401s — the response
// never reveals which part of the credential was wrong.
func (s *Server) bearerAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			credential := bearerToken(c.Request().Header.Get("Authorization"))
			if _, err := s.validator.Validate(credential, c.RealIP()); err != nil {
				s.ctrl.Bus().Publish(events.Event{
					Type:    events.EventAuthFailure,
					Message: "request rejected: authentication failure",
				})
				return errorJSON(c, http.StatusUnauthorized, "auth_failure", "authentication failure", "")
			}
			return next(c)
		}
	}
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
