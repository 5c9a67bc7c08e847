package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// GetPushToken fetches the stored push token for an identity.
// A missing row is not an error; ok is false.
func (db *DB) GetPushToken(ctx context.Context, identity string) (token string, ok bool, err error) {
	if !db.isConnected() {
		return "", false, fmt.Errorf("database is not connected")
	}

	row := db.Pool.QueryRow(ctx,
		`SELECT token FROM push_tokens WHERE identity = $1`, identity)
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		db.recordError(fmt.Errorf("token read failed: %w", err))
		metrics.DBErrors.WithLabelValues("token_read_failed").Inc()
		return "", false, err
	}
	return token, true, nil
}

// SavePushToken upserts the push token for an identity. Last write wins,
// no versioning.
func (db *DB) SavePushToken(ctx context.Context, identity, token string) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO push_tokens (identity, token, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (identity) DO UPDATE SET token = $2, updated_at = now()`,
		identity, token)
	if err != nil {
		db.recordError(fmt.Errorf("token write failed: %w", err))
		logger.Error("Failed to persist push token",
			zap.Error(err),
			zap.String("identity", identity))
		metrics.DBErrors.WithLabelValues("token_write_failed").Inc()
		return err
	}

	metrics.DBOperations.WithLabelValues("token_saved").Inc()
	return nil
}
