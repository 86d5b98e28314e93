// Package db opens the token store database for either SQLite or PostgreSQL.
package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentchat/internal/common/config"
)

// database/sql driver names.
const (
	DriverSQLite = "sqlite3"
	DriverPGX    = "pgx"
)

// Open connects according to cfg.Driver ("sqlite" or "postgres") and verifies
// the connection before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQLitePool(ctx, cfg.Path)
	case "postgres":
		conn, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, DriverPGX)
		return &Pool{writer: x, reader: x}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

func openSQLitePool(ctx context.Context, path string) (*Pool, error) {
	if path == "" {
		return nil, fmt.Errorf("database.path is required for sqlite")
	}
	// The writer creates the file and switches it to WAL before the reader
	// pool opens it read-only.
	writer, err := openSQLite(ctx, path, false)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLite(ctx, path, true)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, DriverSQLite),
		reader: sqlx.NewDb(reader, DriverSQLite),
	}, nil
}
