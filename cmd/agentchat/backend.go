package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/backend/acp"
	"github.com/kandev/agentchat/internal/backend/claude"
	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

func provideOpener(cfg config.BackendConfig, bridge *session.Bridge, log *logger.Logger) (backend.Opener, error) {
	log.Info("Using agent backend",
		zap.String("kind", cfg.Kind),
		zap.String("command", cfg.Command))

	switch cfg.Kind {
	case "claude":
		return claude.NewOpener(cfg, bridge.Tools(), log), nil
	case "acp":
		return acp.NewOpener(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
