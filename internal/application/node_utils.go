package application

import (
	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/storage"
)

// DB returns the node's database instance, nil in memory-only mode.
func (n *Node) DB() *storage.DB {
	return n.db
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Engine returns the relay engine handling inbound events.
func (n *Node) Engine() domain.RelayEngine {
	return n.engine
}
