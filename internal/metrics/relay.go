package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlidingWindow represents a simple sliding window for rate calculations
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64 // timestamps of events
	window  time.Duration
	maxSize int
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
	}
}

// Add adds an event timestamp to the window
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}

	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns the current rate (events per second)
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if len(sw.events) == 0 {
		return 0
	}

	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	count := 0
	for _, timestamp := range sw.events {
		if timestamp >= cutoff {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(count) / sw.window.Seconds()
}

// Sliding windows for rate calculations on the stats API
var (
	messageWindow    = NewSlidingWindow(60*time.Second, 10000)
	connectionWindow = NewSlidingWindow(60*time.Second, 1000)
)

// Local counters for the stats API (prometheus metrics can't be read directly)
var (
	messagesProcessedCount int64
	activeConnectionsCount int64
	onlineUsersCount       int64
	messagesSentCount      int64
	pushDispatchCount      int64
	errorCount             int64
)

// GetMessagesProcessedCount returns the count of processed messages since start
func GetMessagesProcessedCount() int64 {
	return atomic.LoadInt64(&messagesProcessedCount)
}

// IncrementMessagesProcessed increments both the prometheus counter and the local counter
func IncrementMessagesProcessed() {
	MessagesReceived.Inc()
	atomic.AddInt64(&messagesProcessedCount, 1)
	messageWindow.Add(time.Now().Unix())
}

// GetActiveConnectionsCount returns the current number of active WebSocket connections
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementActiveConnections increments both the prometheus gauge and the local counter
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
	connectionWindow.Add(time.Now().Unix())
}

// DecrementActiveConnections decrements both the prometheus gauge and the local counter
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetOnlineUsersCount returns the current number of identities with a live connection
func GetOnlineUsersCount() int64 {
	return atomic.LoadInt64(&onlineUsersCount)
}

// SetOnlineUsers records the current online identity census
func SetOnlineUsers(count int64) {
	OnlineUsers.Set(float64(count))
	atomic.StoreInt64(&onlineUsersCount, count)
}

// GetMessagesSentCount returns the current count of sent messages
func GetMessagesSentCount() int64 {
	return atomic.LoadInt64(&messagesSentCount)
}

// IncrementMessagesSent increments the sent messages counter
func IncrementMessagesSent() {
	MessagesSent.Inc()
	atomic.AddInt64(&messagesSentCount, 1)
}

// IncrementPushDispatches increments the push dispatch counter for an outcome
func IncrementPushDispatches(outcome string) {
	PushDispatches.WithLabelValues(outcome).Inc()
	atomic.AddInt64(&pushDispatchCount, 1)
}

// GetPushDispatchCount returns the total number of push dispatch attempts
func GetPushDispatchCount() int64 {
	return atomic.LoadInt64(&pushDispatchCount)
}

// IncrementErrorCount increments the error counter
func IncrementErrorCount() {
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the current error count
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// GetMessagesPerSecond calculates messages per second using a sliding window
func GetMessagesPerSecond() float64 {
	return messageWindow.Rate()
}

// GetConnectionsPerSecond calculates new connections per second using a sliding window
func GetConnectionsPerSecond() float64 {
	return connectionWindow.Rate()
}

// Metrics for tracking relay performance and usage
var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_active_connections",
		Help: "The number of active WebSocket connections",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_online_users",
		Help: "The number of identities currently registered to a connection",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_messages_received_total",
		Help: "The total number of messages received",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_messages_sent_total",
		Help: "The total number of messages sent",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_messages_delivered_total",
		Help: "The total number of messages delivered by path",
	}, []string{"path"}) // "direct", "broadcast"

	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_duplicate_messages_total",
		Help: "The total number of message ids seen more than once",
	})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_relay_message_size_bytes",
		Help:    "Size of received frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	// Event metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_events_received_total",
		Help: "The total number of inbound events by type",
	}, []string{"type"}) // "join", "message", "statusUpdate", etc.

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_relay_event_processing_duration_seconds",
		Help:    "Time to process different inbound event types",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	// Push metrics
	PushDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_push_dispatches_total",
		Help: "The total number of push dispatch attempts by outcome",
	}, []string{"outcome"}) // "delivered", "skipped", "failed"

	// Status propagation metrics
	StatusUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_status_updates_total",
		Help: "The total number of status updates by result",
	}, []string{"result"}) // "forwarded", "dropped"

	// HTTP metrics
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_http_requests_total",
		Help: "The total number of HTTP requests",
	})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5),
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"}) // "validation", "database", "websocket", "push", etc.

	// Database metrics
	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_db_connections_total",
		Help: "Total number of database connections by status",
	}, []string{"status"}) // "success", "failure", "closed"

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_db_errors_total",
		Help: "Total number of database errors by type",
	}, []string{"error_type"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_db_operations_total",
		Help: "Total number of database operations by type",
	}, []string{"operation"})
)

// RegisterMetrics pre-registers common label values with Prometheus
func RegisterMetrics() {
	eventTypes := []string{"join", "message", "registerPushToken", "statusUpdate", "typing", "stopTyping"}
	for _, evType := range eventTypes {
		EventsReceived.WithLabelValues(evType)
		EventProcessingDuration.WithLabelValues(evType)
	}

	for _, path := range []string{"direct", "broadcast", "push"} {
		MessagesDelivered.WithLabelValues(path)
	}

	for _, outcome := range []string{"delivered", "skipped", "failed"} {
		PushDispatches.WithLabelValues(outcome)
	}

	for _, result := range []string{"delivered", "dropped", "invalid"} {
		StatusUpdates.WithLabelValues(result)
	}

	errorTypes := []string{
		"validation", "database", "websocket", "rate_limit",
		"max_connections", "push", "timeout",
	}
	for _, errType := range errorTypes {
		ErrorsCount.WithLabelValues(errType)
	}

	for _, status := range []string{"success", "failure", "closed"} {
		DBConnections.WithLabelValues(status)
	}

	dbErrorTypes := []string{
		"connection_failed", "token_read_failed", "token_write_failed",
		"message_write_failed", "command_execution_failed",
	}
	for _, errType := range dbErrorTypes {
		DBErrors.WithLabelValues(errType)
	}

	for _, op := range []string{"token_saved", "message_archived"} {
		DBOperations.WithLabelValues(op)
	}
}
