package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"github.com/lumora-im/relay/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	clientBanList = make(map[string]time.Time)
	banListMutex  sync.Mutex
	// Track rate-limit violations by IP
	clientExceededCount = make(map[string]int)
)

// extractRealClientIP extracts the real client IP from request headers when behind a proxy
func extractRealClientIP(r *http.Request) string {
	// Try X-Real-IP first (set by the reverse proxy)
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	// Try X-Forwarded-For (contains comma-separated list of IPs)
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			logger.Debug("Client IP extracted from X-Forwarded-For header",
				zap.String("forwarded_ip", ip),
				zap.String("full_header", forwardedFor),
				zap.String("raw_remote_addr", r.RemoteAddr))
			return ip
		}
	}

	return normalizeIP(r.RemoteAddr)
}

// normalizeIP converts a network address to a normalized IP string
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// If splitting fails, assume addr is already an IP
		host = addr
	}

	// Normalize IPv4-mapped IPv6 addresses
	ip := net.ParseIP(host)
	if ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}

	return host
}

// cleanExpiredBans periodically removes expired bans from the ban list
func cleanExpiredBans() {
	for {
		time.Sleep(10 * time.Minute)

		banListMutex.Lock()
		now := time.Now()
		var unbanCount int
		for ip, expiry := range clientBanList {
			if now.After(expiry) {
				logger.Debug("Removing expired ban",
					zap.String("client_ip", ip),
					zap.Time("ban_expired", expiry))
				delete(clientBanList, ip)
				unbanCount++
			}
		}
		banListMutex.Unlock()

		if unbanCount > 0 {
			logger.Debug("Ban list cleanup completed",
				zap.Int("unbanned_count", unbanCount))
		}
	}
}

// handleWebSocketConnection handles the upgrade of an HTTP connection to WebSocket
func handleWebSocketConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, node domain.NodeInterface, relayConfig config.RelayConfig) {
	clientIP := extractRealClientIP(r)

	logger.Debug("New WebSocket connection attempt",
		zap.String("client_ip", clientIP),
		zap.String("user_agent", r.Header.Get("User-Agent")),
		zap.String("origin", r.Header.Get("Origin")))

	// Check if client is banned
	banListMutex.Lock()
	banExpiry, banned := clientBanList[clientIP]
	banListMutex.Unlock()

	if banned && time.Now().Before(banExpiry) {
		banErr := errors.ClientBannedError("excessive messages", time.Until(banExpiry).String()).
			WithSeverity(errors.SeverityMedium)
		errors.HandleHTTPError(w, r, banErr)
		return
	}

	// Reset exceeded count on new allowed connection
	banListMutex.Lock()
	delete(clientExceededCount, clientIP)
	banListMutex.Unlock()

	// Check global connection limit using metrics counter
	if metrics.GetActiveConnectionsCount() >= int64(relayConfig.ThrottlingConfig.MaxConnections) {
		limitErr := errors.ConnectionLimitError(
			int(metrics.GetActiveConnectionsCount()),
			relayConfig.ThrottlingConfig.MaxConnections).
			WithSeverity(errors.SeverityMedium)
		errors.HandleHTTPError(w, r, limitErr)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		upgradeErr := errors.WebSocketError("connection upgrade", err).
			WithSeverity(errors.SeverityMedium)
		logger.Warn("WebSocket upgrade failed",
			zap.String("client_ip", clientIP),
			zap.Error(upgradeErr))
		return
	}

	wsConn.EnableWriteCompression(true)
	_ = wsConn.SetCompressionLevel(2) // nolint:errcheck // compression level is non-critical

	metrics.IncrementActiveConnections()

	conn := NewWsConnection(ctx, wsConn, node, relayConfig, clientIP)
	node.RegisterConn(conn)

	logger.Debug("WebSocket connection established",
		zap.String("client_ip", clientIP),
		zap.String("connection_id", conn.ID()),
		zap.Int64("active_connections", metrics.GetActiveConnectionsCount()))

	go conn.HandleMessages(ctx, relayConfig)
}

// WsConnection represents a single WebSocket client connection
type WsConnection struct {
	ws           *websocket.Conn
	node         domain.NodeInterface
	connID       string
	realClientIP string
	lastActivity time.Time
	idleTimeout  time.Duration
	maxLifetime  time.Duration
	startTime    time.Time

	pingTicker *time.Ticker

	writeMu            sync.Mutex
	closeMu            sync.Once
	limiter            *rate.Limiter
	isClosed           atomic.Bool
	metricsDecremented atomic.Bool
	closeReason        string

	exceededLimitCount int
	backpressureChan   chan struct{}
}

// Ensure WsConnection implements domain.ClientConnection
var _ domain.ClientConnection = (*WsConnection)(nil)

// NewWsConnection initializes a new WebSocket connection
func NewWsConnection(
	ctx context.Context,
	ws *websocket.Conn,
	node domain.NodeInterface,
	cfg config.RelayConfig,
	realClientIP string,
) *WsConnection {
	limiter := rate.NewLimiter(
		rate.Limit(cfg.ThrottlingConfig.RateLimit.MaxMessagesPerSecond),
		cfg.ThrottlingConfig.RateLimit.BurstSize,
	)

	conn := &WsConnection{
		ws:               ws,
		node:             node,
		connID:           uuid.NewString(),
		realClientIP:     realClientIP,
		idleTimeout:      cfg.IdleTimeout,
		maxLifetime:      24 * time.Hour,
		startTime:        time.Now(),
		lastActivity:     time.Now(),
		pingTicker:       time.NewTicker(15 * time.Second),
		limiter:          limiter,
		backpressureChan: make(chan struct{}, 100),
	}

	ws.EnableWriteCompression(true)
	_ = ws.SetCompressionLevel(2) // nolint:errcheck // compression level is non-critical

	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second)) // nolint:errcheck // deadline is non-critical
	ws.SetReadLimit(readLimit(cfg))

	// Ping handler - must echo back the same data
	ws.SetPingHandler(func(appData string) error {
		conn.lastActivity = time.Now()
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		_ = conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		return nil
	})

	go conn.monitorConnection(ctx)

	return conn
}

// readLimit bounds frame size based on the configured content length with
// headroom for the JSON envelope.
func readLimit(cfg config.RelayConfig) int64 {
	limit := int64(cfg.ThrottlingConfig.MaxContentLen * 2)
	if limit < 64*1024 {
		limit = 64 * 1024
	}
	if limit > 1024*1024 {
		limit = 1024 * 1024
	}
	return limit
}

// ID returns the ephemeral connection identifier.
func (c *WsConnection) ID() string {
	return c.connID
}

// RemoteAddr returns the client's real remote address (extracted from proxy headers)
func (c *WsConnection) RemoteAddr() string {
	return c.realClientIP
}

// SendEvent marshals payload into an envelope and writes it out.
func (c *WsConnection) SendEvent(eventType string, payload interface{}) {
	env, err := models.NewEnvelope(eventType, payload)
	if err != nil {
		logger.Warn("Failed to marshal outbound event",
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Warn("Failed to marshal envelope",
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	c.SendMessage(raw)
}

// SendMessage handles backpressure and writes a raw frame.
func (c *WsConnection) SendMessage(msg []byte) {
	if c.isClosed.Load() {
		return
	}

	// Check backpressure
	select {
	case c.backpressureChan <- struct{}{}:
		defer func() { <-c.backpressureChan }()
	default:
		// Backpressure is too high, close connection
		c.closeReason = "backpressure overflow"
		c.Close()
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed.Load() {
		return
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)) // nolint:errcheck // deadline is non-critical
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		logger.Error("Failed to write message", zap.Error(err))
		metrics.IncrementErrorCount()
		c.closeReason = "write error"
		c.Close()
		return
	}

	metrics.IncrementMessagesSent()
}

// sendError reports a client-level problem in a messageResponse envelope.
func (c *WsConnection) sendError(messageID, reason string) {
	c.SendEvent(models.EventMessageResponse, models.MessageResponse{
		MessageID: messageID,
		Success:   false,
		Error:     reason,
	})
}

// HandleMessages processes incoming frames from the client
func (c *WsConnection) HandleMessages(ctx context.Context, cfg config.RelayConfig) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in HandleMessages",
				zap.Any("panic", r),
				zap.String("client", c.RemoteAddr()),
			)
		}
		// Always ensure connection is properly closed and unregistered
		if c.closeReason == "" {
			c.closeReason = "message handler terminated"
		}
		c.Close()
	}()

	clientIP := c.realClientIP

	logger.Debug("Starting message handler",
		zap.String("real_client_ip", clientIP),
		zap.String("connection_id", c.connID))

	c.ws.SetReadLimit(readLimit(cfg))

	lastPong := time.Now()
	c.ws.SetPongHandler(func(string) error {
		c.lastActivity = time.Now()
		lastPong = time.Now()
		return nil
	})

	connCtx, cancel := context.WithTimeout(ctx, c.maxLifetime)
	defer cancel()

	for {
		select {
		case <-connCtx.Done():
			c.closeReason = "connection context canceled"
			return
		default:
			// Keep going
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)) // nolint:errcheck // deadline is non-critical
		if time.Since(lastPong) > 90*time.Second {
			logger.Debug("No pong response in 90s, closing connection",
				zap.String("client", c.RemoteAddr()))
			c.closeReason = "no pong response"
			return
		}

		_, rawMsg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeReason = "client closed connection"
				logger.Debug("Client closed connection normally",
					zap.String("client", c.RemoteAddr()))
			} else {
				c.closeReason = "read error"
				logger.Debug("WS read error, disconnecting client",
					zap.Error(err),
					zap.String("client", c.RemoteAddr()))
			}
			return
		}

		metrics.IncrementMessagesProcessed()
		metrics.MessageSizeBytes.Observe(float64(len(rawMsg)))

		_ = c.ws.SetReadDeadline(time.Time{}) // nolint:errcheck // deadline reset is non-critical
		c.lastActivity = time.Now()

		var env models.Envelope
		if err := json.Unmarshal(rawMsg, &env); err != nil {
			c.sendError("", "malformed JSON frame")
			continue
		}
		if env.Type == "" {
			c.sendError("", "missing event type")
			continue
		}

		if env.Type == models.EventMessage && cfg.ThrottlingConfig.RateLimit.Enabled && !c.limiter.Allow() {
			if c.handleRateLimitViolation(clientIP, cfg) {
				return
			}
			continue
		}

		metrics.EventsReceived.WithLabelValues(env.Type).Inc()

		start := time.Now()
		c.dispatchEvent(connCtx, env)
		metrics.EventProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	}
}

// handleRateLimitViolation escalates repeated violations to a ban. Returns
// true when the connection was closed.
func (c *WsConnection) handleRateLimitViolation(clientIP string, cfg config.RelayConfig) bool {
	banListMutex.Lock()
	clientExceededCount[clientIP]++
	count := clientExceededCount[clientIP]
	banListMutex.Unlock()

	logger.Debug("Client rate limit violation",
		zap.String("client_ip", clientIP),
		zap.Int("violation_count", count),
		zap.Int("ban_threshold", cfg.ThrottlingConfig.BanThreshold))

	c.sendError("", "rate limit exceeded")

	if count >= cfg.ThrottlingConfig.BanThreshold {
		banDuration := time.Duration(cfg.ThrottlingConfig.BanDuration) * time.Second
		logger.Warn("Banning client due to repeated rate limit violations",
			zap.String("client_ip", clientIP),
			zap.Int("violation_count", count),
			zap.Duration("ban_duration", banDuration))

		banListMutex.Lock()
		clientBanList[clientIP] = time.Now().Add(banDuration)
		delete(clientExceededCount, clientIP)
		banListMutex.Unlock()

		c.sendError("", "temporarily banned")
		c.closeReason = "client banned"
		c.Close()
		return true
	}
	return false
}

// dispatchEvent routes one decoded envelope to the relay engine.
func (c *WsConnection) dispatchEvent(ctx context.Context, env models.Envelope) {
	engine := c.node.Engine()

	switch env.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
			c.sendError("", "join requires a userId")
			return
		}
		online := engine.Join(c, strings.TrimSpace(p.UserID))
		c.SendEvent(models.EventOnlineUsers, models.OnlineUsersPayload{Users: online})

	case models.EventMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.sendError("", "malformed message payload")
			return
		}
		resp := engine.Ingest(ctx, &msg)
		c.SendEvent(models.EventMessageResponse, resp)

	case models.EventRegisterPushToken:
		var p models.RegisterTokenPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("", "malformed token payload")
			return
		}
		if err := engine.RegisterToken(ctx, p.UserID, p.Token); err != nil {
			logger.Debug("Push token registration rejected",
				zap.String("client", c.RemoteAddr()),
				zap.Error(err))
			c.SendEvent(models.EventTokenResponse, models.TokenResponse{Success: false, Error: err.Error()})
			return
		}
		c.SendEvent(models.EventTokenResponse, models.TokenResponse{Success: true})

	case models.EventStatusUpdate:
		var p models.StatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("", "malformed status payload")
			return
		}
		engine.PropagateStatus(p.MessageID, p.Status, p.TargetUserID)

	case models.EventTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		engine.Typing(p.UserID, false)

	case models.EventStopTyping:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		engine.Typing(p.UserID, true)

	default:
		c.sendError("", "unknown event type '"+env.Type+"'")
	}
}

// Close gracefully shuts down the WebSocket
func (c *WsConnection) Close() {
	c.closeMu.Do(func() {
		c.isClosed.Store(true)

		if c.closeReason != "" {
			logger.Debug("WebSocket connection closed",
				zap.String("reason", c.closeReason),
				zap.String("client_ip", c.RemoteAddr()),
				zap.String("connection_id", c.connID),
				zap.Duration("connection_duration", time.Since(c.startTime)))
		}

		// Release the identity binding and broadcast offline presence
		// before metrics so observers see a consistent ordering.
		c.node.Engine().Leave(c)

		if !c.metricsDecremented.Swap(true) {
			metrics.DecrementActiveConnections()
		}

		if c.pingTicker != nil {
			c.pingTicker.Stop()
		}

		// Attempt a polite close
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		closeChan := make(chan struct{})
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason)
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.ws.SetWriteDeadline(time.Time{})
			c.writeMu.Unlock()
			close(closeChan)
		}()

		select {
		case <-closeChan:
		case <-closeCtx.Done():
			logger.Debug("Close message timeout",
				zap.String("client", c.RemoteAddr()))
		}

		c.node.UnregisterConn(c)

		_ = c.ws.Close()
		logger.Debug("WebSocket connection cleanup completed",
			zap.String("client", c.RemoteAddr()))
	})
}

// monitorConnection handles connection timeouts and cleanup
func (c *WsConnection) monitorConnection(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeReason = "server shutting down"
			c.Close()
			return
		case <-c.pingTicker.C:
			c.writeMu.Lock()
			if !c.isClosed.Load() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
				_ = c.ws.SetWriteDeadline(time.Time{})
				if err != nil {
					logger.Debug("Failed to send ping, closing connection",
						zap.Error(err),
						zap.String("client", c.RemoteAddr()))
					c.writeMu.Unlock()
					c.closeReason = "ping failed"
					c.Close()
					return
				}
			}
			c.writeMu.Unlock()
		case <-ticker.C:
			now := time.Now()

			if now.Sub(c.lastActivity) > c.idleTimeout {
				c.closeReason = "idle timeout"
				c.Close()
				return
			}

			if now.Sub(c.startTime) > c.maxLifetime {
				c.closeReason = "max lifetime exceeded"
				c.Close()
				return
			}

			if len(c.backpressureChan) > 90 {
				c.closeReason = "backpressure overflow"
				c.Close()
				return
			}
		}
	}
}
