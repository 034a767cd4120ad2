// ralph-api server — local-first control plane for ralph workflows,
// exposing the rpc v1 endpoint and the events.v1 WebSocket stream.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ralph-workflows/ralph-api/pkg/api"
	"github.com/ralph-workflows/ralph-api/pkg/config"
	"github.com/ralph-workflows/ralph-api/pkg/rpc"
	"github.com/ralph-workflows/ralph-api/pkg/version"
)

// heartbeatInterval is how often the server publishes system.heartbeat.
const heartbeatInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment", "error", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting ralph-api",
		"version", version.Full(),
		"addr", cfg.BindAddr(),
		"auth_mode", cfg.AuthMode,
		"workspace", cfg.WorkspaceRoot)

	runtime, err := rpc.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize rpc runtime", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(runtime)

	// Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.BindAddr()); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	runtime.Streams().Publish("system.lifecycle", "server", cfg.ServedBy,
		map[string]any{"phase": "started", "serverVersion": version.Full()})

	// Heartbeat publisher (background goroutine)
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				runtime.Streams().Publish("system.heartbeat", "server", cfg.ServedBy,
					map[string]any{"intervalMs": int(heartbeatInterval.Milliseconds())})
			}
		}
	}()

	slog.Info("ralph-api started", "addr", cfg.BindAddr())

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	close(heartbeatDone)
	runtime.Streams().Publish("system.lifecycle", "server", cfg.ServedBy,
		map[string]any{"phase": "stopping"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ralph-api stopped")
}
