package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	// maxMessageSize bounds inbound command frames. Signal payloads only
	// flow outbound, so client frames are small.
	maxMessageSize = 8192
)

// handleWebSocket upgrades the connection and hands it to the coordinator.
// client_id identifies the client across reconnects and is required;
// session_id optionally resumes a previous session.
func (s *Server) handleWebSocket(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "client_id query parameter is required"})
	}
	sessionID := c.QueryParam("session_id")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote_addr", c.RealIP(), "error", err)
		return nil
	}

	res, err := s.coordinator.Connect(conn, clientID, sessionID, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		// The coordinator already sent the rejection notice and closed
		// the transport.
		return nil
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		s.coordinator.Touch(res.ConnID)
		return nil
	})

	// Read pump (blocks until disconnect)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.coordinator.HandleMessage(res.ConnID, msg)
	}

	s.coordinator.Disconnect(res.ConnID)
	return nil
}
