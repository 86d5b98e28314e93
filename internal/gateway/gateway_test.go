package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentchat/internal/backend/backendtest"
	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

func TestRouter_InstallsRoutesAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := session.NewRegistry(session.Options{Opener: &backendtest.Opener{}, Logger: logger.NewNop()})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	cfg := config.ServerConfig{MaxMessageLength: 100, FrontendURL: "http://localhost:5500"}
	r := New(reg, cfg, nil, logger.NewNop()).Router(cfg, logger.NewNop())

	paths := map[string]bool{}
	for _, route := range r.Routes() {
		paths[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"GET /api/health",
		"POST /api/chat/interrupt",
		"GET /api/chat/sessions",
		"GET /api/chat/stream",
		"GET /api/chat/ws",
	} {
		assert.True(t, paths[want], "missing route %s", want)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5500")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5500", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
