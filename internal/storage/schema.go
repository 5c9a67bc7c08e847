package storage

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so startup can apply them every time.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS push_tokens (
		identity   TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		content      TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		recipient_id TEXT,
		sender_name  TEXT,
		ts           BIGINT NOT NULL,
		status       TEXT NOT NULL,
		archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id)`,
	`CREATE INDEX IF NOT EXISTS messages_recipient_idx ON messages (recipient_id)`,
}

// InitSchema applies the relay schema.
func (db *DB) InitSchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
