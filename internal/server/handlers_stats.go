package server

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/signalcast-io/signalcast/internal/broadcast"
	"github.com/signalcast-io/signalcast/internal/registry"
)

type statsResponse struct {
	Connections registry.Stats  `json:"connections"`
	Delivery    broadcast.Stats `json:"delivery"`
	Sessions    int             `json:"sessions"`
}

// handleStats reports live connection, delivery, and session counts. The
// session count may be stale on Redis-backed stores; it is a diagnostic,
// not a guarantee.
func (s *Server) handleStats(c echo.Context) error {
	sessionCount, err := s.sessions.Len(c.Request().Context())
	if err != nil {
		slog.Warn("Failed to count sessions", "error", err)
		sessionCount = -1
	}

	return c.JSON(200, statsResponse{
		Connections: s.registry.Stats(),
		Delivery:    s.coordinator.Stats(),
		Sessions:    sessionCount,
	})
}
