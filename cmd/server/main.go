package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/signalcast-io/signalcast/internal/broadcast"
	"github.com/signalcast-io/signalcast/internal/config"
	"github.com/signalcast-io/signalcast/internal/dispatch"
	"github.com/signalcast-io/signalcast/internal/logging"
	"github.com/signalcast-io/signalcast/internal/registry"
	"github.com/signalcast-io/signalcast/internal/server"
	"github.com/signalcast-io/signalcast/internal/session"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, coordinator *broadcast.Coordinator) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		coordinator.Stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	var redisClient *goredis.Client
	var sessions session.Store
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL, clock)
		slog.Info("Using Redis session store")
	} else {
		sessions = session.NewMemoryStore(cfg.SessionTTL, clock)
		slog.Info("Using in-memory session store")
	}

	reg := registry.New(registry.Config{
		MaxConnections:       cfg.MaxConnections,
		MaxPerIP:             cfg.MaxConnectionsPerIP,
		ConnectionsPerSecond: cfg.ConnectionRate,
		Burst:                cfg.ConnectionBurst,
	}, clock)

	coordinator := broadcast.New(broadcast.Config{
		APIKeys:             cfg.APIKeyList(),
		InactiveTimeout:     cfg.InactiveTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ExpirySweepInterval: cfg.ExpirySweep,
		Batch: dispatch.Config{
			MaxSize: cfg.BatchMaxSize,
			MaxWait: cfg.BatchMaxWait,
		},
	}, reg, sessions, clock)

	srv := server.NewServer(cfg, coordinator, reg, sessions, redisClient)

	done := runGracefulShutdown(srv, coordinator)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
