// Package store persists the resumable backend token of each chat room so a
// reconnecting client can continue its conversation after a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/agentchat/internal/db"
)

// TokenStore maps a session id to the last token its backend reported.
type TokenStore struct {
	pool *db.Pool
}

// NewTokenStore wraps pool and ensures the schema exists.
func NewTokenStore(pool *db.Pool) (*TokenStore, error) {
	s := &TokenStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session token schema: %w", err)
	}
	return s, nil
}

func (s *TokenStore) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS session_tokens (
		session_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at %s NOT NULL
	)`, s.pool.TimestampType())

	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Ping reports whether the database is reachable.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveToken upserts the token for sessionID.
func (s *TokenStore) SaveToken(ctx context.Context, sessionID, token string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_tokens (session_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`), sessionID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save token for %s: %w", sessionID, err)
	}
	return nil
}

// LoadToken returns the stored token, or "" when the session has none.
func (s *TokenStore) LoadToken(ctx context.Context, sessionID string) (string, error) {
	r := s.pool.Reader()
	var token string
	err := r.GetContext(ctx, &token, r.Rebind(`SELECT token FROM session_tokens WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", sessionID, err)
	}
	return token, nil
}

// DeleteToken forgets sessionID. Deleting an unknown id is not an error.
func (s *TokenStore) DeleteToken(ctx context.Context, sessionID string) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM session_tokens WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete token for %s: %w", sessionID, err)
	}
	return nil
}

// Entry is one persisted token row.
type Entry struct {
	SessionID string    `db:"session_id" json:"session_id"`
	Token     string    `db:"token" json:"token"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// List returns every stored token, most recently updated first.
func (s *TokenStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.pool.Reader().SelectContext(ctx, &entries,
		`SELECT session_id, token, updated_at FROM session_tokens ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return entries, nil
}
