package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /health. Returns a minimal, safe response
// suitable for unauthenticated liveness probes.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.runtime.HealthPayload())
}
