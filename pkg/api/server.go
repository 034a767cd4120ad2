// Package api is the HTTP and WebSocket transport in front of the rpc
// runtime. It owns routing, request limits, and the stream delivery loop;
// all protocol semantics live in pkg/rpc.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ralph-workflows/ralph-api/pkg/rpc"
)

// maxRequestBody caps a POST /rpc/v1 body. Requests are small control-plane
// envelopes; anything near this limit is a client bug.
const maxRequestBody = 1 << 20

// Server wires the echo router to the rpc runtime.
type Server struct {
	runtime    *rpc.Runtime
	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer builds the router. Routes are fixed: the health probe, the rpc
// endpoint with its capabilities companion, and the stream upgrade.
func NewServer(runtime *rpc.Runtime) *Server {
	e := echo.New()
	s := &Server{runtime: runtime, echo: e}

	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.POST("/rpc/v1", s.rpcHandler)
	e.GET("/rpc/v1/capabilities", s.capabilitiesHandler)
	e.GET("/rpc/v1/stream", s.streamHandler)

	return s
}

// ServeHTTP makes the server mountable in tests and custom listeners.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
