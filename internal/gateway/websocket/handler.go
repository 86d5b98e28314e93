package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	registry *session.Registry
	maxLen   int
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler. Browser connections are
// accepted only from allowedOrigin unless it is empty or "*".
func NewHandler(hub *Hub, registry *session.Registry, maxLen int, allowedOrigin string, log *logger.Logger) *Handler {
	allowedOrigin = strings.TrimRight(allowedOrigin, "/")
	return &Handler{
		hub:      hub,
		registry: registry,
		maxLen:   maxLen,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and serves frames until it closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.registry, h.maxLen, h.logger)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
