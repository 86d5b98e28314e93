package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// Token lookups happen once per join.
	sqliteReaderConns = 2
)

// sqliteDSN builds the go-sqlite3 connection string. The writer runs in WAL
// mode so readers see committed tokens while it holds the lock.
func sqliteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeout.Milliseconds()))
	if readOnly {
		q.Set("_mode", "ro")
	} else {
		q.Set("_mode", "rwc")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	conn, err := sql.Open(DriverSQLite, sqliteDSN(abs, readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if readOnly {
		conn.SetMaxOpenConns(sqliteReaderConns)
		conn.SetMaxIdleConns(sqliteReaderConns)
	} else {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	}

	// sql.Open is lazy; surface a bad path at startup rather than on the first turn.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", abs, err)
	}
	return conn, nil
}
