package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/signalcast-io/signalcast/internal/broadcast"
	"github.com/signalcast-io/signalcast/internal/config"
	"github.com/signalcast-io/signalcast/internal/registry"
	"github.com/signalcast-io/signalcast/internal/session"
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	coordinator *broadcast.Coordinator
	registry    *registry.Registry
	sessions    session.Store

	// redisClient is nil when sessions are in memory; readiness then skips
	// the Redis check.
	redisClient *goredis.Client

	startTime time.Time
}

func NewServer(cfg *config.Config, coordinator *broadcast.Coordinator, reg *registry.Registry, sessions session.Store, redisClient *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		coordinator: coordinator,
		registry:    reg,
		sessions:    sessions,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
