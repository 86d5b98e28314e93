package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

// Gateway bundles the hub and the connection handler.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(registry *session.Registry, cfg config.ServerConfig, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, registry, cfg.MaxMessageLength, cfg.FrontendURL, log),
	}
}

// SetupRoutes registers GET /api/chat/ws.
func (g *Gateway) SetupRoutes(router gin.IRouter) {
	router.GET("/api/chat/ws", g.Handler.HandleConnection)
}
