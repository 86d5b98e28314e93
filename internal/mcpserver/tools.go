package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

// Sessions is the registry surface the admin tools operate on.
type Sessions interface {
	List() []session.Info
	Stats() session.Stats
	InterruptSession(ctx context.Context, id string) error
	Remove(id string) error
}

func registerTools(s *server.MCPServer, sessions Sessions, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List live chat sessions with their state, backend token and attached connections."),
		),
		listSessionsHandler(sessions),
	)

	s.AddTool(
		mcp.NewTool("interrupt_session",
			mcp.WithDescription("Stop the turn currently running in a chat session. The session stays usable."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session UUID"),
			),
		),
		interruptSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("remove_session",
			mcp.WithDescription("Close a chat session's backend and drop it from the registry. Its saved token is kept."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session UUID"),
			),
		),
		removeSessionHandler(sessions, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(sessions Sessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := struct {
			Stats    session.Stats  `json:"stats"`
			Sessions []session.Info `json:"sessions"`
		}{Stats: sessions.Stats(), Sessions: sessions.List()}

		formatted, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func interruptSessionHandler(sessions Sessions, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sessions.InterruptSession(ctx, id); err != nil {
			log.Warn("interrupt via MCP failed", zap.String("session_id", id), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to interrupt session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s interrupted", id)), nil
	}
}

func removeSessionHandler(sessions Sessions, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sessions.Remove(id); err != nil {
			log.Warn("remove via MCP failed", zap.String("session_id", id), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to remove session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s removed", id)), nil
	}
}
