// Package mcpserver exposes chat session administration as MCP tools over
// SSE and Streamable HTTP transports.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

const (
	serverName    = "agentchat-admin"
	serverVersion = "1.0.0"
	stopTimeout   = 5 * time.Second
)

// Endpoint paths served on the admin port.
const (
	PathSSE     = "/sse"
	PathMessage = "/message"
	PathMCP     = "/mcp"
)

// Server serves the admin tools on a dedicated port, separate from the
// chat gateway so it can be firewalled independently.
type Server struct {
	addr       string
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	handler    http.Handler
	logger     *logger.Logger
}

// New registers the admin tools over sessions. addr is a listen address such
// as ":9090"; port 0 picks a free port when Run listens.
func New(addr string, sessions Sessions, log *logger.Logger) *Server {
	log = log.WithFields(zap.String("component", "mcp-server"))

	mcpServer := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, sessions, log)

	s := &Server{
		addr:       addr,
		sse:        server.NewSSEServer(mcpServer),
		streamable: server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath(PathMCP)),
		logger:     log,
	}

	mux := http.NewServeMux()
	mux.Handle(PathSSE, s.sse.SSEHandler())
	mux.Handle(PathMessage, s.sse.MessageHandler())
	mux.Handle(PathMCP, s.streamable)
	s.handler = mux
	return s
}

// Handler returns the combined SSE and Streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mcp server: listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{Handler: s.handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	s.logger.Info("MCP admin server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("sse", PathSSE),
		zap.String("streamable_http", PathMCP))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mcp server: %w", err)
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	// SSE streams never end on their own, so close them before waiting on
	// the HTTP server.
	if err := s.sse.Shutdown(stopCtx); err != nil {
		s.logger.Warn("failed to close SSE sessions", zap.Error(err))
	}
	if err := s.streamable.Shutdown(stopCtx); err != nil {
		s.logger.Warn("failed to close streamable HTTP sessions", zap.Error(err))
	}
	if err := httpServer.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("mcp server: shutdown: %w", err)
	}
	s.logger.Info("MCP admin server stopped")
	return nil
}
