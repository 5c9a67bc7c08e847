package relay

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/directory"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/limiter"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"github.com/lumora-im/relay/internal/models"
	"github.com/lumora-im/relay/internal/push"
	"github.com/lumora-im/relay/internal/token"
	"github.com/lumora-im/relay/internal/workers"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

const notificationBodyLimit = 120

// Archive is the durable message sink. The engine treats it as best
// effort: it never blocks or fails an ingest.
type Archive interface {
	ArchiveMessage(ctx context.Context, msg *models.Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status models.Status) error
}

// Engine routes chat traffic between live connections, with push
// fallback for offline recipients.
type Engine struct {
	cfg        *config.Config
	registry   *directory.Registry
	tokens     *token.Store
	dispatcher *push.Dispatcher
	pool       *workers.WorkerPool
	archive    Archive
	limits     *limiter.RateLimiter

	cache *lru.Cache[string, *models.Message]
	seen  *bloom.BloomFilter
}

var _ domain.RelayEngine = (*Engine)(nil)

// NewEngine wires the relay engine together. archive may be nil when the
// relay runs without a database.
func NewEngine(
	cfg *config.Config,
	registry *directory.Registry,
	tokens *token.Store,
	dispatcher *push.Dispatcher,
	pool *workers.WorkerPool,
	archive Archive,
) (*Engine, error) {
	cache, err := lru.New[string, *models.Message](cfg.Relay.MessageCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "MESSAGE_CACHE_INIT_FAILED", "failed to create message cache")
	}
	return &Engine{
		cfg:        cfg,
		registry:   registry,
		tokens:     tokens,
		dispatcher: dispatcher,
		pool:       pool,
		archive:    archive,
		limits:     limiter.NewRateLimiter(cfg),
		cache:      cache,
		seen:       bloom.NewWithEstimates(1_000_000, 0.01),
	}, nil
}

// ObserveMessageID feeds an id into the duplicate filter without routing
// anything, used to warm the filter from the archive at startup.
func (e *Engine) ObserveMessageID(id string) {
	e.seen.AddString(id)
}

// Join binds userID to conn and announces it. The returned snapshot is
// the full online census including the new arrival.
func (e *Engine) Join(conn domain.ClientConnection, userID string) []string {
	e.registry.Register(conn, userID)

	// Warm the token cache in the background so an offline send to this
	// identity after it drops again does not pay the backend fetch
	// inline with dispatch.
	e.pool.AddJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.tokens.Load(ctx, userID)
	})

	logger.Info("User joined",
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID()),
		zap.Int("online_users", len(e.registry.OnlineIdentities())))

	e.broadcastExcept(conn.ID(), models.EventUserOnline, models.PresencePayload{UserID: userID})
	return e.registry.OnlineIdentities()
}

// Leave tears down the binding for a disconnecting connection. Offline
// presence goes out only when the connection still owned its identity,
// so a quick reconnect never flickers the user offline.
func (e *Engine) Leave(conn domain.ClientConnection) {
	identity, wasCurrent := e.registry.Remove(conn.ID())
	if identity == "" {
		return
	}
	if !wasCurrent {
		return
	}

	logger.Info("User left",
		zap.String("user_id", identity),
		zap.String("connection_id", conn.ID()))

	e.broadcastExcept(conn.ID(), models.EventUserOffline, models.PresencePayload{UserID: identity})
}

// Ingest validates, records and routes one message, returning the
// acknowledgment for its sender.
func (e *Engine) Ingest(ctx context.Context, msg *models.Message) models.MessageResponse {
	if err := e.validate(msg); err != nil {
		metrics.ErrorsCount.WithLabelValues("validation").Inc()
		return models.MessageResponse{
			MessageID: msg.ID,
			Success:   false,
			Status:    models.StatusFailed,
			Error:     err.Error(),
		}
	}

	if !e.limits.Allow(msg.SenderID) {
		metrics.ErrorsCount.WithLabelValues("rate_limit").Inc()
		return models.MessageResponse{
			MessageID: msg.ID,
			Success:   false,
			Status:    models.StatusFailed,
			Error:     "rate limit exceeded",
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Status = models.StatusSent

	// The filter only observes duplicates; a false positive must never
	// reject a legitimate message, so this is metrics-only.
	if e.seen.TestAndAdd([]byte(msg.ID)) {
		metrics.DuplicateMessages.Inc()
		logger.Debug("Message id seen before",
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID))
	}

	if msg.Broadcast() {
		e.routeBroadcast(msg)
	} else {
		e.routeDirect(ctx, msg)
	}

	e.cache.Add(msg.ID, msg)
	e.archiveAsync(msg)

	return models.MessageResponse{
		MessageID: msg.ID,
		Success:   true,
		Status:    msg.Status,
	}
}

func (e *Engine) validate(msg *models.Message) error {
	if strings.TrimSpace(msg.SenderID) == "" {
		return errors.MessageValidationError(msg.ID, "senderId is required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errors.MessageValidationError(msg.ID, "content is required")
	}
	if maxLen := e.cfg.Relay.ThrottlingConfig.MaxContentLen; len(msg.Content) > maxLen {
		return errors.MessageValidationError(msg.ID, "content exceeds maximum length")
	}
	return nil
}

// routeDirect delivers to the recipient's live connection, or falls back
// to a push notification when the recipient is offline.
func (e *Engine) routeDirect(ctx context.Context, msg *models.Message) {
	recipient, online := e.registry.ConnectionFor(msg.RecipientID)
	if online {
		msg.Status = models.StatusDelivered
		recipient.SendEvent(models.EventMessage, msg)
		metrics.MessagesDelivered.WithLabelValues("direct").Inc()

		logger.Debug("Message delivered",
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID),
			zap.String("recipient_id", msg.RecipientID))
		return
	}

	// The recipient keeps StatusSent until the message reaches a live
	// connection; the push is a side channel, not a delivery.
	metrics.MessagesDelivered.WithLabelValues("push").Inc()
	e.notifyAsync(msg)

	logger.Debug("Recipient offline, dispatching push",
		zap.String("message_id", msg.ID),
		zap.String("recipient_id", msg.RecipientID))
}

// routeBroadcast fans out to every connection except the sender's.
func (e *Engine) routeBroadcast(msg *models.Message) {
	senderConn, _ := e.registry.ConnectionFor(msg.SenderID)
	excluded := ""
	if senderConn != nil {
		excluded = senderConn.ID()
	}

	e.broadcastExcept(excluded, models.EventMessage, msg)
	metrics.MessagesDelivered.WithLabelValues("broadcast").Inc()
}

// notifyAsync hands the push to the worker pool so ingest never waits on
// the provider.
func (e *Engine) notifyAsync(msg *models.Message) {
	if e.dispatcher == nil {
		return
	}

	title := msg.SenderName
	if title == "" {
		title = msg.SenderID
	}
	body := truncateBody(msg.Content, notificationBodyLimit)
	data := map[string]string{
		"messageId": msg.ID,
		"senderId":  msg.SenderID,
		"type":      "message",
		"timestamp": time.Unix(0, msg.Timestamp*int64(time.Millisecond)).UTC().Format(time.RFC3339),
	}
	recipient := msg.RecipientID

	accepted := e.pool.AddJob(func() {
		e.dispatcher.Notify(context.Background(), recipient, title, body, data)
	})
	if !accepted {
		metrics.IncrementPushDispatches(string(push.OutcomeFailed))
		logger.Warn("Push queue full, notification dropped",
			zap.String("message_id", msg.ID),
			zap.String("recipient_id", recipient))
	}
}

// truncateBody caps s at limit bytes without splitting a UTF-8 rune.
func truncateBody(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// archiveAsync records the message without blocking ingest. A failure
// only logs; the in-memory cache already holds the message.
func (e *Engine) archiveAsync(msg *models.Message) {
	if e.archive == nil {
		return
	}
	snapshot := *msg
	e.pool.AddJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.archive.ArchiveMessage(ctx, &snapshot); err != nil {
			logger.Debug("Message archive failed",
				zap.String("message_id", snapshot.ID),
				zap.Error(err))
		}
	})
}

// RegisterToken stores a push token for an identity.
func (e *Engine) RegisterToken(_ context.Context, userID, tok string) error {
	if err := e.tokens.Save(userID, tok); err != nil {
		return err
	}
	logger.Debug("Push token registered",
		zap.String("user_id", userID))
	return nil
}

// OnlineUsers returns the identities currently bound to a connection.
func (e *Engine) OnlineUsers() []string {
	return e.registry.OnlineIdentities()
}

// RecentMessages returns up to n of the most recently cached messages,
// oldest first.
func (e *Engine) RecentMessages(n int) []*models.Message {
	keys := e.cache.Keys()
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	msgs := make([]*models.Message, 0, len(keys))
	for _, key := range keys {
		if msg, ok := e.cache.Peek(key); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// broadcastExcept sends an event to every registered connection except
// the one identified by excludedConnID.
func (e *Engine) broadcastExcept(excludedConnID, eventType string, payload interface{}) {
	for _, conn := range e.registry.Connections() {
		if conn.ID() == excludedConnID {
			continue
		}
		conn.SendEvent(eventType, payload)
	}
}

// CleanupLimits evicts idle rate-limit buckets. Called from the node's
// maintenance loop.
func (e *Engine) CleanupLimits() {
	e.limits.Cleanup()
}
