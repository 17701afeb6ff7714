package store

import (
	"context"
	"errors"
	"fmt"
)

// schemaVersion is bumped whenever schemaStatements change shape.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS game_records (
		external_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		record_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_game_records_expires ON game_records(expires_at);`,
	`CREATE TABLE IF NOT EXISTS endpoint_health_events (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		occurred_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_health_events_lookup ON endpoint_health_events(endpoint, occurred_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprint(schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return nil
}

// SchemaVersion returns the recorded schema version, or 0 before the first migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var version int
	err := s.DB.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM store_meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
