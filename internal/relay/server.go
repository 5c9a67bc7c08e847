package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/health"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"github.com/lumora-im/relay/internal/storage"
	"github.com/lumora-im/relay/internal/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts WebSocket upgrades on the root path and serves the
// JSON API and health endpoint on plain HTTP requests.
type Server struct {
	cfg           config.RelayConfig
	fullCfg       *config.Config
	node          domain.NodeInterface
	webHandler    *web.Handler
	healthChecker *health.Checker
}

// NewServer constructs a Server for the given node. db may be nil when
// the relay runs without a database.
func NewServer(relayCfg config.RelayConfig, node domain.NodeInterface, fullCfg *config.Config, db *storage.DB, instanceID string) *Server {
	var healthDB health.DatabaseInterface
	if db != nil {
		healthDB = &dbHealthAdapter{db: db}
	}

	webHandler := web.NewHandler(fullCfg, logger.New("web"), node, instanceID)
	healthChecker := health.NewChecker(healthDB, node, fullCfg, logger.New("health"), config.Version)

	return &Server{
		cfg:           relayCfg,
		fullCfg:       fullCfg,
		node:          node,
		webHandler:    webHandler,
		healthChecker: healthChecker,
	}
}

// ListenAndServe runs the relay endpoint until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    64 * 1024,
		WriteBufferSize:   64 * 1024,
		CheckOrigin:       func(r *http.Request) bool { return true },
		EnableCompression: true,
		HandshakeTimeout:  10 * time.Second,
	}

	// Start background task to clean expired bans
	go cleanExpiredBans()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequests.Inc()
		start := time.Now()
		defer func() {
			metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
		}()

		if isWebSocketRequest(r) {
			handleWebSocketConnection(ctx, w, r, upgrader, s.node, s.cfg)
			return
		}

		switch r.URL.Path {
		case "/", "/api/info":
			web.SecureAPIHandlerFunc(s.webHandler.HandleInfoAPI)(w, r)
		case "/api/stats":
			web.SecureAPIHandlerFunc(s.webHandler.HandleStatsAPI)(w, r)
		case "/api/messages":
			web.SecureAPIHandlerFunc(s.webHandler.HandleMessagesAPI)(w, r)
		case "/health":
			s.healthChecker.HandleHealth(w, r)
		default:
			logger.Warn("Invalid request path",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("user_agent", r.Header.Get("User-Agent")))
			http.NotFound(w, r)
		}
	})

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      errors.RecoveryMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown when context is canceled
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down WebSocket server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("Relay WebSocket server listening", zap.String("address", addr))
	return httpSrv.ListenAndServe()
}

// isWebSocketRequest checks if the request is a WebSocket upgrade request
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}

// dbHealthAdapter adapts storage.DB to health.DatabaseInterface
type dbHealthAdapter struct {
	db *storage.DB
}

func (d *dbHealthAdapter) Ping() error {
	return d.db.Ping()
}

func (d *dbHealthAdapter) Stats() health.DatabaseStats {
	stats := d.db.Stats()
	return health.DatabaseStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
	}
}
