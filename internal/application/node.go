package application

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/directory"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/relay"
	"github.com/lumora-im/relay/internal/storage"
	"github.com/lumora-im/relay/internal/token"
	"github.com/lumora-im/relay/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Node ties together the components needed to run the relay.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	db         *storage.DB
	config     *config.Config
	WorkerPool *workers.WorkerPool
	engine     *relay.Engine
	registry   *directory.Registry
	tokens     *token.Store
	instanceID string

	wsConns   map[domain.ClientConnection]bool
	wsConnsMu sync.RWMutex

	startTime time.Time
}

// Ensure Node implements domain.NodeInterface
var _ domain.NodeInterface = (*Node)(nil)

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	// The database is optional: a failed connection leaves the relay in
	// a degraded mode without archive or token persistence.
	builder.BuildDB()

	builder.BuildWorkers()
	builder.BuildIdentity()

	if err := builder.BuildTokenStore(); err != nil {
		return nil, fmt.Errorf("failed building token store: %w", err)
	}
	builder.BuildDispatcher()

	if err := builder.BuildEngine(); err != nil {
		return nil, fmt.Errorf("failed building relay engine: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the relay endpoint and, when enabled, the metrics server.
func (n *Node) Start(ctx context.Context) error {
	go func() {
		addr := n.config.Relay.WSAddr
		server := relay.NewServer(n.config.Relay, n, n.config, n.db, n.instanceID)
		if err := server.ListenAndServe(n.ctx, addr); err != nil {
			if err.Error() != "http: Server closed" {
				logger.Error("Server error", zap.Error(err))
			} else {
				logger.Debug("Server closed gracefully", zap.Error(err))
			}
		}
	}()

	if n.config.Metrics.Enabled {
		go n.serveMetrics()
	}

	go n.maintenanceLoop()

	logger.Debug("Node started")
	return nil
}

// serveMetrics exposes the Prometheus endpoint on its own port.
func (n *Node) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.Int("port", n.config.Metrics.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", zap.Error(err))
	}
}

// maintenanceLoop runs periodic housekeeping: rate-limit bucket cleanup.
func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.engine.CleanupLimits()
		}
	}
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := 30 * time.Second

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	// Step 1: Close existing WebSocket connections gracefully
	n.shutdownWebSocketConnections(shutdownCtx)

	// Step 2: Wait for in-flight background jobs (pushes, archive writes)
	logger.Debug("Waiting for worker pool to finish...")
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.WorkerPool.Wait()
	}()

	select {
	case <-done:
		logger.Debug("Worker pool finished")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("worker pool shutdown timed out after %v", shutdownTimeout))
		logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	// Step 3: Cancel the node context
	if n.cancel != nil {
		n.cancel()
	}

	// Step 4: Close the database
	if n.db != nil {
		logger.Debug("Closing database connection...")
		if err := n.db.CloseDB(); err != nil {
			shutdownErrors = append(shutdownErrors, err)
		} else {
			logger.Debug("Database connection closed")
		}
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors))
	} else {
		logger.Info("Node shutdown completed successfully")
	}
}

// shutdownWebSocketConnections gracefully closes all active connections.
func (n *Node) shutdownWebSocketConnections(ctx context.Context) {
	n.wsConnsMu.Lock()
	connections := make([]domain.ClientConnection, 0, len(n.wsConns))
	for conn := range n.wsConns {
		connections = append(connections, conn)
	}
	n.wsConnsMu.Unlock()

	if len(connections) == 0 {
		logger.Debug("No WebSocket connections to close")
		return
	}

	logger.Info("Closing WebSocket connections gracefully",
		zap.Int("connection_count", len(connections)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, conn := range connections {
			conn.Close()
		}
		n.wsConnsMu.Lock()
		n.wsConns = make(map[domain.ClientConnection]bool)
		n.wsConnsMu.Unlock()
	}()

	select {
	case <-done:
		logger.Debug("WebSocket connections closed")
	case <-ctx.Done():
		logger.Warn("WebSocket connection shutdown timed out")
		n.wsConnsMu.Lock()
		n.wsConns = make(map[domain.ClientConnection]bool)
		n.wsConnsMu.Unlock()
	}
}

// RegisterConn tracks a new WebSocket client
func (n *Node) RegisterConn(conn domain.ClientConnection) {
	n.wsConnsMu.Lock()
	defer n.wsConnsMu.Unlock()
	n.wsConns[conn] = true
	logger.Debug("WebSocket client registered", zap.Int("total_connections", len(n.wsConns)))
}

// UnregisterConn removes a WebSocket client
func (n *Node) UnregisterConn(conn domain.ClientConnection) {
	n.wsConnsMu.Lock()
	defer n.wsConnsMu.Unlock()
	delete(n.wsConns, conn)
	logger.Debug("WebSocket client unregistered", zap.Int("total_connections", len(n.wsConns)))
}

// GetConnectionCount returns the current number of active connections
func (n *Node) GetConnectionCount() int {
	n.wsConnsMu.RLock()
	defer n.wsConnsMu.RUnlock()
	return len(n.wsConns)
}

// GetStartTime returns when the node was started
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
