package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
	"github.com/ralph-workflows/ralph-api/pkg/stream"
)

// wsWriteTimeout bounds a single WebSocket send so one stalled client
// cannot wedge its delivery loop.
const wsWriteTimeout = 10 * time.Second

// streamHandler handles GET /rpc/v1/stream. The client must already hold a
// subscription from stream.subscribe; auth happens before the upgrade so
// failures come back as plain HTTP error envelopes.
func (s *Server) streamHandler(c *echo.Context) error {
	principal, aerr := s.runtime.AuthenticateWebSocket(c.Request().Header)
	if aerr != nil {
		return s.wsError(c, aerr)
	}

	subscriptionID := c.QueryParam("subscriptionId")
	if subscriptionID == "" {
		return s.wsError(c,
			protocol.NewInvalidParams("stream upgrade requires 'subscriptionId' query parameter").
				WithContext("ws-upgrade", "stream.subscribe"))
	}

	streams := s.runtime.Streams()
	owner, ok := streams.SubscriptionPrincipal(subscriptionID)
	if !ok {
		return s.wsError(c,
			protocol.NewNotFound(fmt.Sprintf("subscription '%s' not found", subscriptionID)).
				WithDetails(map[string]any{"subscriptionId": subscriptionID}).
				WithContext("ws-upgrade", "stream.subscribe"))
	}
	if owner != principal {
		return s.wsError(c,
			protocol.NewForbidden("subscription belongs to a different principal").
				WithContext("ws-upgrade", "stream.subscribe"))
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The server binds loopback (or gates on a token), so cross-origin
		// browser pages are not a distinct trust boundary here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.serveStream(c.Request().Context(), conn, subscriptionID)
	return nil
}

func (s *Server) wsError(c *echo.Context, err *protocol.Error) error {
	return c.JSON(err.Code.HTTPStatus(),
		protocol.ErrorEnvelope(err, s.runtime.Config().ServedBy))
}

// serveStream delivers events for one subscription until the client leaves:
// the pending replay batch first, then live events interleaved with
// keepalives. Blocks until the connection closes.
func (s *Server) serveStream(parentCtx context.Context, conn *websocket.Conn, subscriptionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	streams := s.runtime.Streams()

	// Attach before replaying so no event falls between the two phases.
	receiver := streams.LiveReceiver()
	defer receiver.Close()

	events, dropped, rerr := streams.ReplayForSubscription(subscriptionID)
	if rerr != nil {
		slog.Warn("stream replay failed", "subscriptionId", subscriptionID, "error", rerr)
		return
	}
	if dropped > 0 {
		if !s.writeEvent(ctx, conn, streams.BackpressureEvent(subscriptionID, dropped)) {
			return
		}
	}

	// An event published while the replay batch is being assembled reaches
	// both history and the live receiver; lastSequence dedupes the seam.
	var lastSequence uint64
	replayed := false
	for _, event := range events {
		if !s.writeEvent(ctx, conn, event) {
			return
		}
		lastSequence = event.Sequence
		replayed = true
	}

	// Read pump: the protocol has no client frames, but reading is the only
	// way to notice the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(stream.KeepaliveIntervalMs * time.Millisecond)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-keepalive.C:
			if !s.writeEvent(ctx, conn, streams.KeepaliveEvent(subscriptionID)) {
				return
			}
		case event, ok := <-receiver.Events():
			if !ok {
				return
			}
			if !streams.HasSubscription(subscriptionID) {
				// stream.unsubscribe tears the connection down
				return
			}
			if replayed && event.Sequence <= lastSequence {
				continue
			}
			if streams.MatchesSubscription(subscriptionID, event) {
				if !s.writeEvent(ctx, conn, event) {
					return
				}
				lastSequence = event.Sequence
				replayed = true
			}
			if n := receiver.TakeDropped(); n > 0 {
				if !s.writeEvent(ctx, conn, streams.BackpressureEvent(subscriptionID, int(n))) {
					return
				}
			}
		}
	}
}

// writeEvent sends one event frame. Returns false when the connection is
// unusable and the delivery loop should stop.
func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event stream.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed marshaling stream event", "topic", event.Topic, "error", err)
		return true
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
