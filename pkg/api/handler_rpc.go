package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// rpcHandler handles POST /rpc/v1. The runtime produces the final envelope
// bytes, so the handler only moves them; writing the stored bytes verbatim
// keeps idempotent replays identical on the wire.
func (s *Server) rpcHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody+1))
	if err != nil {
		perr := protocol.NewInvalidRequest("failed reading request body").
			WithContext(protocol.UnknownRequestID, "")
		return c.JSON(perr.Code.HTTPStatus(),
			protocol.ErrorEnvelope(perr, s.runtime.Config().ServedBy))
	}
	if len(body) > maxRequestBody {
		perr := protocol.NewInvalidRequest("request body exceeds the 1 MiB limit").
			WithContext(protocol.UnknownRequestID, "")
		return c.JSON(http.StatusRequestEntityTooLarge,
			protocol.ErrorEnvelope(perr, s.runtime.Config().ServedBy))
	}

	status, envelope := s.runtime.HandleHTTPRequest(body, c.Request().Header)
	return c.Blob(status, "application/json", envelope)
}

// capabilitiesHandler handles GET /rpc/v1/capabilities, an unauthenticated
// discovery endpoint mirroring system.capabilities.
func (s *Server) capabilitiesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.runtime.CapabilitiesPayload())
}
