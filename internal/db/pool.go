package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Pool splits token writes from token lookups.
//
// SQLite gets one writer connection and a small read-only pool over the same
// WAL file. PostgreSQL shares one *sqlx.DB for both.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer is used for upserts and deletes.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for lookups and listings.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// IsPostgres reports whether the pool talks to PostgreSQL through pgx.
func (p *Pool) IsPostgres() bool { return p.writer.DriverName() == DriverPGX }

// TimestampType is the column type for UTC timestamps on this driver.
func (p *Pool) TimestampType() string {
	if p.IsPostgres() {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// Ping checks both sides of the pool.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if p.reader != p.writer {
		if err := p.reader.PingContext(ctx); err != nil {
			return fmt.Errorf("reader: %w", err)
		}
	}
	return nil
}

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
