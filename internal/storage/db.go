package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"

	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB wraps the Postgres connection pool backing the relay's persistent
// state: push tokens and the best-effort message archive.
type DB struct {
	Pool         *pgxpool.Pool
	state        DBState
	stateMu      sync.RWMutex
	errors       chan error
	errorCount   int32
	errorCountMu sync.RWMutex
}

// createPool builds a pool sized for the expected WebSocket load.
func createPool(ctx context.Context, dbURI string, maxWSConnections int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	// Scale the pool with the connection cap. Database traffic here is
	// light (token reads, async archive writes), so a fraction of the
	// WebSocket limit is plenty.
	var maxConns, minConns int32
	var scaleType string

	switch {
	case maxWSConnections <= 200:
		maxConns, minConns = 5, 1
		scaleType = "small"
	case maxWSConnections <= 2000:
		maxConns, minConns = 15, 3
		scaleType = "medium"
	default:
		maxConns, minConns = 30, 5
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured based on load",
		zap.String("scale_type", scaleType),
		zap.Int("max_ws_connections", maxWSConnections),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB initializes the database connection with retries.
func InitDB(ctx context.Context, dbURI string, maxWSConnections int) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second
	attempts := 0

	db := &DB{
		state:  DBStateConnecting,
		errors: make(chan error, 100),
	}

	for i := 0; i < 5; i++ {
		attempts++
		pool, err = createPool(ctx, dbURI, maxWSConnections)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.state = DBStateConnected

				stat := pool.Stat()
				logger.Info("DB connected successfully",
					zap.Int("attempts", attempts),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBConnections.WithLabelValues("failure").Inc()
		time.Sleep(backoff)
		backoff *= 2
	}

	db.state = DBStateClosed
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, apperrors.DatabaseConnectionError(
		fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err))
}

// CloseDB closes the database connection
func (db *DB) CloseDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
		db.state = DBStateClosed
		logger.Debug("Database connection closed")
		metrics.DBConnections.WithLabelValues("closed").Inc()
		return nil
	}

	return fmt.Errorf("database pool is nil")
}

// isConnected checks if the database is in a connected state
func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// recordError records an error in the database service
func (db *DB) recordError(err error) {
	db.errorCountMu.Lock()
	db.errorCount++
	count := db.errorCount
	db.errorCountMu.Unlock()

	select {
	case db.errors <- err:
	default:
		// Channel is full, log directly
		logger.Error("Database error (channel full)",
			zap.Error(err),
			zap.Int32("error_count", count))
	}
}

// Ping checks database connectivity
func (db *DB) Ping() error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}
