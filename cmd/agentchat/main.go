// Package main runs the chat server: the streaming and persistent chat
// transports in front of one agent backend process per session.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/common/tracing"
	"github.com/kandev/agentchat/internal/events"
	"github.com/kandev/agentchat/internal/gateway"
	"github.com/kandev/agentchat/internal/gateway/api"
	"github.com/kandev/agentchat/internal/mcpserver"
	"github.com/kandev/agentchat/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("agentchat exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting agentchat...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Tracing
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// 4. Event bus (NATS if configured, in-memory otherwise)
	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	// 5. Token persistence
	tokens, closeStore, err := provideTokenStore(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer func() { _ = closeStore() }()

	// 6. Backend and session registry
	bridge := session.NewBridge(cfg.Backend.MutationTools)
	opener, err := provideOpener(cfg.Backend, bridge, log)
	if err != nil {
		return err
	}

	opts := session.Options{
		Opener:      opener,
		Bridge:      bridge,
		Logger:      log,
		Bus:         eventBus,
		Tracer:      tracing.Tracer("agentchat/session"),
		IdleTimeout: cfg.Backend.IdleTimeoutDuration(),
	}
	var saved api.SavedTokens
	if tokens != nil {
		opts.Tokens = tokens
		saved = tokens
	}
	registry := session.NewRegistry(opts)

	// 7. HTTP gateway
	gw := gateway.New(registry, cfg.Server, saved, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Router(cfg.Server, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		gw.WebSocket.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("sse", "/api/chat/stream"),
			zap.String("websocket", "/api/chat/ws"),
			zap.String("health", "/api/health"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 8. Optional MCP admin server
	if cfg.MCP.Enabled {
		admin := mcpserver.New(fmt.Sprintf(":%d", cfg.MCP.Port), registry, log)
		g.Go(func() error {
			if err := admin.Run(gctx); err != nil {
				// The admin surface is optional; chat keeps serving without it.
				log.Error("MCP admin server failed", zap.Error(err))
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down agentchat...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdown(shutdownCtx, server, registry, log)
		return nil
	})

	err = g.Wait()
	log.Info("agentchat stopped")
	return err
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the HTTP server and the session registry together. Open SSE
// responses only end once their turns do, so the registry interrupts them
// while the server drains.
func shutdown(ctx context.Context, server, registry shutdowner, log *logger.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		if err := server.Shutdown(ctx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := registry.Shutdown(ctx); err != nil {
			log.Error("Session registry shutdown error", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
}
