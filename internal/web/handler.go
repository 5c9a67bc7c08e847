// Package web serves the relay's JSON API: instance info, live
// statistics and a recent-message diagnostic snapshot.
package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// InfoData describes the relay instance.
type InfoData struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Software    string `json:"software"`
	Version     string `json:"version"`
	InstanceID  string `json:"instance_id,omitempty"`
	PublicURL   string `json:"public_url,omitempty"`
}

// StatsData represents live relay statistics.
type StatsData struct {
	ActiveConnections    int64            `json:"active_connections"`
	OnlineUsers          int64            `json:"online_users"`
	MessagesProcessed    int64            `json:"messages_processed"`
	MessagesSent         int64            `json:"messages_sent"`
	PushDispatches       int64            `json:"push_dispatches"`
	MessagesPerSecond    float64          `json:"messages_per_second"`
	ConnectionsPerSecond float64          `json:"connections_per_second"`
	ErrorCount           int64            `json:"error_count"`
	Uptime               string           `json:"uptime"`
	MemoryUsage          map[string]int64 `json:"memory_usage"`
}

// Handler provides the HTTP API handlers.
type Handler struct {
	config     *config.Config
	logger     *zap.Logger
	node       domain.NodeInterface
	instanceID string
}

// NewHandler creates a new web handler.
func NewHandler(cfg *config.Config, logger *zap.Logger, node domain.NodeInterface, instanceID string) *Handler {
	return &Handler{
		config:     cfg,
		logger:     logger,
		node:       node,
		instanceID: instanceID,
	}
}

// HandleInfoAPI serves instance metadata.
func (h *Handler) HandleInfoAPI(w http.ResponseWriter, r *http.Request) {
	info := InfoData{
		Name:        h.config.Relay.Name,
		Description: h.config.Relay.Description,
		Contact:     h.config.Relay.Contact,
		Software:    "lumora-relay",
		Version:     config.Version,
		InstanceID:  h.instanceID,
		PublicURL:   h.config.Relay.PublicURL,
	}
	h.writeJSON(w, info)
}

// HandleStatsAPI serves live relay statistics.
func (h *Handler) HandleStatsAPI(w http.ResponseWriter, r *http.Request) {
	stats := StatsData{
		ActiveConnections:    metrics.GetActiveConnectionsCount(),
		OnlineUsers:          metrics.GetOnlineUsersCount(),
		MessagesProcessed:    metrics.GetMessagesProcessedCount(),
		MessagesSent:         metrics.GetMessagesSentCount(),
		PushDispatches:       metrics.GetPushDispatchCount(),
		MessagesPerSecond:    metrics.GetMessagesPerSecond(),
		ConnectionsPerSecond: metrics.GetConnectionsPerSecond(),
		ErrorCount:           metrics.GetErrorCount(),
		Uptime:               time.Since(h.node.GetStartTime()).Round(time.Second).String(),
		MemoryUsage:          getMemoryUsage(),
	}
	h.writeJSON(w, stats)
}

// HandleMessagesAPI serves a point-in-time snapshot of recently relayed
// messages, capped at 100 entries.
func (h *Handler) HandleMessagesAPI(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	msgs := h.node.Engine().RecentMessages(limit)
	h.writeJSON(w, map[string]interface{}{
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode API response", zap.Error(err))
	}
}

func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]int64{
		"alloc_bytes": int64(m.Alloc),
		"sys_bytes":   int64(m.Sys),
		"heap_bytes":  int64(m.HeapAlloc),
		"num_gc":      int64(m.NumGC),
	}
}
