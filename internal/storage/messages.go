package storage

import (
	"context"
	"fmt"

	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"github.com/lumora-im/relay/internal/models"
	"go.uber.org/zap"
)

// ArchiveMessage writes a message to the archive. Duplicate ids overwrite
// in place, matching the in-memory cache semantics.
func (db *DB) ArchiveMessage(ctx context.Context, msg *models.Message) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO messages (id, content, sender_id, recipient_id, sender_name, ts, status)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET content = $2, sender_id = $3, recipient_id = NULLIF($4, ''),
		     sender_name = NULLIF($5, ''), ts = $6, status = $7, archived_at = now()`,
		msg.ID, msg.Content, msg.SenderID, msg.RecipientID, msg.SenderName,
		msg.Timestamp, string(msg.Status))
	if err != nil {
		db.recordError(fmt.Errorf("message write failed: %w", err))
		metrics.DBErrors.WithLabelValues("message_write_failed").Inc()
		return err
	}

	metrics.DBOperations.WithLabelValues("message_archived").Inc()
	return nil
}

// UpdateMessageStatus records a status change in the archive.
func (db *DB) UpdateMessageStatus(ctx context.Context, messageID string, status models.Status) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	_, err := db.Pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1`,
		messageID, string(status))
	if err != nil {
		db.recordError(fmt.Errorf("message status update failed: %w", err))
		metrics.DBErrors.WithLabelValues("message_write_failed").Inc()
		return err
	}
	return nil
}

// SeedSeenFilter feeds every archived message id into add, used at startup
// to warm the duplicate-id filter.
func (db *DB) SeedSeenFilter(ctx context.Context, add func(id string)) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx, `SELECT id FROM messages`)
	if err != nil {
		return fmt.Errorf("failed to fetch message ids: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logger.Debug("Failed to scan message id", zap.Error(err))
			continue
		}
		add(id)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error scanning rows: %w", err)
	}

	logger.Info("Seen-message filter seeded from archive", zap.Int("messages", count))
	return nil
}
