// Package gateway assembles the HTTP surface of the chat server.
package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/httpmw"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/gateway/api"
	"github.com/kandev/agentchat/internal/gateway/sse"
	"github.com/kandev/agentchat/internal/gateway/websocket"
	"github.com/kandev/agentchat/internal/session"
)

const serverName = "agentchat"

// Gateway holds the transports sharing one registry.
type Gateway struct {
	WebSocket *websocket.Gateway
	SSE       *sse.Handler
	API       *api.Handlers
}

// New builds every transport. saved may be nil when persistence is disabled.
func New(registry *session.Registry, cfg config.ServerConfig, saved api.SavedTokens, log *logger.Logger) *Gateway {
	wsGateway := websocket.NewGateway(registry, cfg, log)
	return &Gateway{
		WebSocket: wsGateway,
		SSE:       sse.NewHandler(registry, cfg.MaxMessageLength, log),
		API:       api.NewHandlers(registry, wsGateway.Hub.GetClientCount, saved, log),
	}
}

// Router returns a gin engine with middleware and all routes installed.
func (g *Gateway) Router(cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.CORS(cfg.FrontendURL))

	g.API.SetupRoutes(router)
	g.SSE.SetupRoutes(router)
	g.WebSocket.SetupRoutes(router)
	return router
}
