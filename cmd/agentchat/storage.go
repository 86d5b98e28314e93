package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/db"
	"github.com/kandev/agentchat/internal/store"
)

// provideTokenStore opens the configured database. It returns a nil store when
// persistence is disabled.
func provideTokenStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*store.TokenStore, func() error, error) {
	if cfg.Driver == "" {
		log.Info("Session token persistence disabled")
		return nil, func() error { return nil }, nil
	}

	pool, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := store.NewTokenStore(pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	log.Info("Session token store ready", zap.String("driver", cfg.Driver))
	return tokens, pool.Close, nil
}
