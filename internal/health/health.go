// Package health exposes the relay's health endpoint, aggregating the
// database, connection and runtime state into one probe-friendly report.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/metrics"
)

// Status represents the overall health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the complete health check response
type Response struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// DatabaseInterface defines the database operations needed for health checks
type DatabaseInterface interface {
	Ping() error
	Stats() DatabaseStats
}

// NodeInterface defines the node operations needed for health checks
type NodeInterface interface {
	GetConnectionCount() int
	GetStartTime() time.Time
}

// DatabaseStats mirrors the connection pool statistics exposed by storage.
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}

// Checker performs health checks across the relay's components.
type Checker struct {
	db      DatabaseInterface
	node    NodeInterface
	cfg     *config.Config
	logger  *zap.Logger
	version string
}

// NewChecker creates a health checker. db may be nil when the relay runs
// without a database; that component then reports as degraded.
func NewChecker(db DatabaseInterface, node NodeInterface, cfg *config.Config, logger *zap.Logger, version string) *Checker {
	return &Checker{
		db:      db,
		node:    node,
		cfg:     cfg,
		logger:  logger.Named("health"),
		version: version,
	}
}

// CheckHealth runs every component check and aggregates the result.
func (h *Checker) CheckHealth(ctx context.Context) *Response {
	startTime := time.Now()
	components := []*ComponentStatus{
		h.checkDatabase(ctx),
		h.checkMemory(),
		h.checkConnections(),
		h.checkSystemResources(),
	}

	overallStatus := determineOverallStatus(components)

	return &Response{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.node.GetStartTime())),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   countByStatus(components, StatusHealthy),
			"degraded_components":  countByStatus(components, StatusDegraded),
			"unhealthy_components": countByStatus(components, StatusUnhealthy),
			"online_users":         metrics.GetOnlineUsersCount(),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

func (h *Checker) checkDatabase(_ context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "database",
		Details: make(map[string]interface{}),
	}

	if h.db == nil {
		status.Status = StatusDegraded
		status.Message = "Relay running without a database, archive and token persistence disabled"
		return status
	}

	if err := h.db.Ping(); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Database connection failed"
		status.Details["error"] = err.Error()
		return status
	}

	stats := h.db.Stats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections

	utilization := 0.0
	if stats.MaxOpenConnections > 0 {
		utilization = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}
	status.Details["connection_utilization_percent"] = utilization

	switch {
	case utilization > 95:
		status.Status = StatusUnhealthy
		status.Message = "Critical database connection utilization"
	case utilization > 90:
		status.Status = StatusDegraded
		status.Message = "High database connection utilization"
	default:
		status.Status = StatusHealthy
		status.Message = "Database is healthy"
	}

	return status
}

func (h *Checker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]interface{}),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["heap_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}

	return status
}

func (h *Checker) checkConnections() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "connections",
		Details: make(map[string]interface{}),
	}

	connectionCount := h.node.GetConnectionCount()
	status.Details["active_connections"] = connectionCount
	status.Details["online_users"] = metrics.GetOnlineUsersCount()

	maxConnections := h.cfg.Relay.ThrottlingConfig.MaxConnections
	if maxConnections == 0 {
		maxConnections = 1000
	}

	utilization := float64(connectionCount) / float64(maxConnections) * 100
	status.Details["max_connections"] = maxConnections
	status.Details["connection_utilization_percent"] = utilization

	switch {
	case utilization > 95:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Critical connection utilization: %d/%d (%.1f%%)",
			connectionCount, maxConnections, utilization)
	case utilization > 90:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("High connection utilization: %d/%d (%.1f%%)",
			connectionCount, maxConnections, utilization)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connection count normal: %d/%d (%.1f%%)",
			connectionCount, maxConnections, utilization)
	}

	return status
}

func (h *Checker) checkSystemResources() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "system",
		Details: make(map[string]interface{}),
	}

	goroutineCount := runtime.NumGoroutine()
	status.Details["goroutines"] = goroutineCount
	status.Details["cpus"] = runtime.NumCPU()

	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}

	return status
}

func determineOverallStatus(components []*ComponentStatus) Status {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countByStatus(components []*ComponentStatus, status Status) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. The ready=1 query
// parameter switches to readiness semantics.
func (h *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	if r.URL.Query().Get("ready") == "1" && resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
