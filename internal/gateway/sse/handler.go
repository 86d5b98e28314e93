// Package sse serves the push variant of the chat protocol: one turn per
// request, streamed as server-sent events.
package sse

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentchat/internal/common/errors"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/gateway/wire"
	"github.com/kandev/agentchat/internal/session"
	ws "github.com/kandev/agentchat/pkg/websocket"
)

// Handler streams one turn per GET request.
type Handler struct {
	registry      *session.Registry
	maxMessageLen int
	logger        *logger.Logger
}

// NewHandler creates the push handler. Messages longer than maxMessageLen runes are rejected.
func NewHandler(registry *session.Registry, maxMessageLen int, log *logger.Logger) *Handler {
	return &Handler{
		registry:      registry,
		maxMessageLen: maxMessageLen,
		logger:        log.WithFields(zap.String("component", "sse_handler")),
	}
}

// SetupRoutes registers GET /api/chat/stream.
func (h *Handler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/chat/stream", h.Stream)
}

// Stream runs one turn. Query: message, session_id, optional resume_token,
// and keep=true to leave the session registered after the turn.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Query("session_id")
	message := c.Query("message")
	keep := c.Query("keep") == "true"

	if err := session.ValidateID(sessionID); err != nil {
		writeError(c, apperrors.FromSession(err))
		return
	}
	if appErr := wire.ValidateMessage(message, h.maxMessageLen); appErr != nil {
		writeError(c, appErr)
		return
	}

	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx).WithSessionID(sessionID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	s, _, err := h.registry.GetOrCreate(ctx, sessionID, session.CreateOptions{ResumeToken: c.Query("resume_token")})
	if err != nil {
		log.Warn("failed to open session", zap.Error(err))
		h.send(c, ws.TypeError, wire.Error(err))
		return
	}

	terminated := false
	err = h.registry.RunTurn(ctx, s, message, func(o session.Output) {
		switch o.Kind {
		case session.OutDone:
			terminated = true
			h.send(c, ws.TypeDone, ws.DonePayload{SessionID: sessionID, SDKSessionID: o.Token, Interrupted: o.Interrupted})
		case session.OutError:
			terminated = true
			h.send(c, ws.TypeError, wire.Error(o.Err))
		default:
			if typ, payload, ok := wire.Frame(o); ok {
				h.send(c, typ, payload)
			}
		}
	})
	if err != nil && !terminated {
		// Rejected before the turn started: the session belongs to another request.
		h.send(c, ws.TypeError, wire.Error(err))
		return
	}
	if err != nil {
		log.Warn("turn failed", zap.Error(err))
	}

	if !keep {
		if rerr := h.registry.Remove(sessionID); rerr != nil && !errors.Is(rerr, session.ErrSessionNotFound) {
			log.Warn("failed to remove session", zap.Error(rerr))
		}
	}
}

func (h *Handler) send(c *gin.Context, event string, payload any) {
	c.SSEvent(event, payload)
	c.Writer.Flush()
}

func writeError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, ws.ErrorPayload{Error: appErr.Message, Code: appErr.Code})
}
