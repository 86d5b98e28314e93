// Package api serves the REST side channels of the chat server: interrupts,
// health and session listings.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentchat/internal/common/errors"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
	"github.com/kandev/agentchat/internal/store"
	ws "github.com/kandev/agentchat/pkg/websocket"
)

const healthPingTimeout = 2 * time.Second

// SavedTokens lists persisted session tokens.
type SavedTokens interface {
	List(ctx context.Context) ([]store.Entry, error)
	Ping(ctx context.Context) error
}

// Handlers serves the REST routes.
type Handlers struct {
	registry    *session.Registry
	connections func() int
	saved       SavedTokens
	logger      *logger.Logger
}

// NewHandlers creates the REST handlers. connections reports live persistent
// connections for the health check; saved may be nil.
func NewHandlers(registry *session.Registry, connections func() int, saved SavedTokens, log *logger.Logger) *Handlers {
	if connections == nil {
		connections = func() int { return 0 }
	}
	return &Handlers{
		registry:    registry,
		connections: connections,
		saved:       saved,
		logger:      log.WithFields(zap.String("component", "api-handlers")),
	}
}

// SetupRoutes registers the REST routes.
func (h *Handlers) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api")
	api.GET("/health", h.httpHealth)
	api.POST("/chat/interrupt", h.httpInterrupt)
	api.GET("/chat/sessions", h.httpListSessions)
	api.GET("/chat/sessions/saved", h.httpListSaved)
}

type httpInterruptRequest struct {
	SessionID      string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`
}

func (h *Handlers) httpInterrupt(c *gin.Context) {
	var body httpInterruptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperrors.ValidationError("body", "invalid payload"))
		return
	}
	id := body.SessionID
	if id == "" {
		id = body.SessionIDCamel
	}

	if err := h.registry.InterruptSession(c.Request.Context(), id); err != nil {
		appErr := apperrors.FromSession(err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			h.logger.Error("interrupt failed", zap.String("session_id", id), zap.Error(err))
		}
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted", "session_id": id})
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	ActiveTurns int    `json:"active_turns"`
	Connections int    `json:"connections"`
	Database    string `json:"database,omitempty"`
}

// httpHealth stays 200 when the token store is down: live sessions still
// work, they just will not survive a restart.
func (h *Handlers) httpHealth(c *gin.Context) {
	stats := h.registry.Stats()
	resp := healthResponse{
		Status:      "ok",
		Sessions:    stats.Sessions,
		ActiveTurns: stats.ActiveTurns,
		Connections: h.connections(),
	}
	if h.saved != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		resp.Database = "ok"
		if err := h.saved.Ping(ctx); err != nil {
			h.logger.Warn("token store unreachable", zap.Error(err))
			resp.Status = "degraded"
			resp.Database = "unreachable"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.registry.List()})
}

func (h *Handlers) httpListSaved(c *gin.Context) {
	if h.saved == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []store.Entry{}})
		return
	}
	entries, err := h.saved.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list saved sessions", zap.Error(err))
		writeError(c, apperrors.InternalError("failed to list saved sessions", err))
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": entries})
}

func writeError(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPStatus, ws.ErrorPayload{Error: appErr.Message, Code: appErr.Code})
}
