package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kandev/agentchat/internal/common/config"
)

const (
	defaultPostgresMaxConns = 10
	defaultPostgresMinConns = 2
	postgresConnMaxIdle     = 5 * time.Minute
)

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	conn, err := sql.Open(DriverPGX, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(min(minConns, maxConns))
	conn.SetConnMaxIdleTime(postgresConnMaxIdle)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}
