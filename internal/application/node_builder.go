package application

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/directory"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/identity"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/push"
	"github.com/lumora-im/relay/internal/relay"
	"github.com/lumora-im/relay/internal/storage"
	"github.com/lumora-im/relay/internal/token"
	"github.com/lumora-im/relay/internal/workers"

	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	database   *storage.DB
	workerPool *workers.WorkerPool
	registry   *directory.Registry
	tokens     *token.Store
	dispatcher *push.Dispatcher
	engine     *relay.Engine
	instanceID string
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// databaseURI builds the connection string. A configured URL wins over
// Server/Port assembly.
func (b *NodeBuilder) databaseURI() string {
	if b.config.Database.URL != "" {
		return b.config.Database.URL
	}
	name := b.config.Database.Name
	if name == "" {
		name = "lumora"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable",
		"relay", b.config.Database.Server, b.config.Database.Port, name)
}

// BuildDB initializes the database connection. A failure degrades the
// relay instead of aborting it: tokens stay memory-only and messages are
// not archived.
func (b *NodeBuilder) BuildDB() {
	if b.config.Database.URL == "" && b.config.Database.Server == "" {
		logger.Info("Database not configured, running memory-only")
		return
	}

	logger.Info("Connecting to database...",
		zap.String("server", b.config.Database.Server),
		zap.Int("port", b.config.Database.Port))

	dbConn, err := storage.InitDB(b.ctx, b.databaseURI(), b.config.Relay.ThrottlingConfig.MaxConnections)
	if err != nil {
		logger.Warn("Database connection failed, continuing without persistence",
			zap.Error(err))
		return
	}

	if err := dbConn.InitSchema(b.ctx); err != nil {
		logger.Warn("Schema initialization failed, continuing without persistence",
			zap.Error(err))
		if closeErr := dbConn.CloseDB(); closeErr != nil {
			logger.Warn("Failed to close database connection", zap.Error(closeErr))
		}
		return
	}

	b.database = dbConn
}

// BuildWorkers initializes the background job pool shared by push
// dispatch and archive writes.
func (b *NodeBuilder) BuildWorkers() {
	workerCount := b.config.Push.Workers
	if minimum := runtime.NumCPU() * 2; workerCount < minimum {
		workerCount = minimum
	}
	b.workerPool = workers.NewWorkerPool(workerCount, b.config.Push.QueueSize)
}

// BuildIdentity loads or creates the stable instance identifier.
func (b *NodeBuilder) BuildIdentity() {
	inst, err := identity.GetOrCreateInstance()
	if err != nil {
		logger.Warn("Failed to load instance identity", zap.Error(err))
		return
	}
	b.instanceID = inst.ID
	logger.Info("Relay instance identity loaded", zap.String("instance_id", inst.ID))
}

// BuildTokenStore sets up the push-token store over the database, when
// one is connected.
func (b *NodeBuilder) BuildTokenStore() error {
	var backend token.PersistentStore
	if b.database != nil {
		backend = b.database
	}

	persist := func(task func()) {
		b.workerPool.AddJob(task)
	}

	tokens, err := token.New(b.config.Relay.TokenCacheSize, backend, persist, b.config.Push.Timeout)
	if err != nil {
		return err
	}
	b.tokens = tokens
	return nil
}

// BuildDispatcher wires the push provider when push is enabled.
func (b *NodeBuilder) BuildDispatcher() {
	if !b.config.Push.Enabled {
		logger.Info("Push notifications disabled")
		return
	}
	if b.config.Push.ServerKey == "" {
		logger.Warn("Push disabled",
			zap.Error(errors.ConfigurationError("push.SERVER_KEY", "push is enabled but no server key is set")))
		return
	}

	provider := push.NewFCMProvider(
		b.config.Push.Endpoint,
		b.config.Push.ServerKey,
		b.config.Push.Timeout,
	)
	b.dispatcher = push.NewDispatcher(b.tokens, provider, b.config.Push.Timeout)
	logger.Info("Push dispatcher initialized",
		zap.String("endpoint", b.config.Push.Endpoint))
}

// BuildEngine assembles the relay engine and warms the duplicate-id
// filter from the archive.
func (b *NodeBuilder) BuildEngine() error {
	b.registry = directory.NewRegistry()

	var archive relay.Archive
	if b.database != nil {
		archive = b.database
	}

	engine, err := relay.NewEngine(b.config, b.registry, b.tokens, b.dispatcher, b.workerPool, archive)
	if err != nil {
		return err
	}
	b.engine = engine

	if b.database != nil {
		seedCtx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		defer cancel()
		if err := b.database.SeedSeenFilter(seedCtx, engine.ObserveMessageID); err != nil {
			logger.Warn("Failed to seed duplicate-message filter", zap.Error(err))
		}
	}
	return nil
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.workerPool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.tokens == nil {
		return nil, fmt.Errorf("token store must be built before calling Build()")
	}
	if b.engine == nil {
		return nil, fmt.Errorf("relay engine must be built before calling Build()")
	}

	node := &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		db:         b.database,
		config:     b.config,
		WorkerPool: b.workerPool,
		engine:     b.engine,
		registry:   b.registry,
		tokens:     b.tokens,
		instanceID: b.instanceID,
		wsConns:    make(map[domain.ClientConnection]bool),
		startTime:  time.Now(),
	}

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}
