package relay

import (
	"context"
	"time"

	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"github.com/lumora-im/relay/internal/models"
	"go.uber.org/zap"
)

// PropagateStatus forwards a recipient-side status change to the target
// identity. An offline target drops the update silently; status history
// is not replayed on reconnect.
func (e *Engine) PropagateStatus(messageID string, status models.Status, targetUserID string) {
	if messageID == "" || targetUserID == "" || !models.ValidStatus(status) {
		metrics.StatusUpdates.WithLabelValues("invalid").Inc()
		logger.Debug("Dropping invalid status update",
			zap.String("message_id", messageID),
			zap.String("status", string(status)),
			zap.String("target_user_id", targetUserID))
		return
	}

	// Cached messages are shared with API readers and concurrent status
	// updates, so the entry is replaced rather than mutated in place.
	if msg, ok := e.cache.Peek(messageID); ok {
		updated := *msg
		updated.Status = status
		e.cache.Add(messageID, &updated)
	}
	e.updateArchivedStatusAsync(messageID, status)

	target, online := e.registry.ConnectionFor(targetUserID)
	if !online {
		metrics.StatusUpdates.WithLabelValues("dropped").Inc()
		logger.Debug("Status update target offline, dropping",
			zap.String("message_id", messageID),
			zap.String("target_user_id", targetUserID))
		return
	}

	target.SendEvent(models.EventMessageStatus, models.StatusUpdatePayload{
		MessageID:    messageID,
		Status:       status,
		TargetUserID: targetUserID,
	})
	metrics.StatusUpdates.WithLabelValues("delivered").Inc()
}

func (e *Engine) updateArchivedStatusAsync(messageID string, status models.Status) {
	if e.archive == nil {
		return
	}
	e.pool.AddJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.archive.UpdateMessageStatus(ctx, messageID, status); err != nil {
			logger.Debug("Archived status update failed",
				zap.String("message_id", messageID),
				zap.Error(err))
		}
	})
}

// Typing broadcasts a typing indicator to everyone except the typist.
func (e *Engine) Typing(userID string, stopped bool) {
	if userID == "" {
		return
	}

	excluded := ""
	if conn, ok := e.registry.ConnectionFor(userID); ok {
		excluded = conn.ID()
	}

	eventType := models.EventUserTyping
	if stopped {
		eventType = models.EventUserStoppedTyping
	}
	e.broadcastExcept(excluded, eventType, models.TypingPayload{UserID: userID})
}
