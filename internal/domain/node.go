package domain

import (
	"context"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/models"
)

// NodeInterface defines the core capabilities required by the relay server.
type NodeInterface interface {
	// Configuration access
	Config() *config.Config

	// Connection management
	RegisterConn(conn ClientConnection)
	UnregisterConn(conn ClientConnection)
	GetConnectionCount() int
	GetStartTime() time.Time

	// Event handling
	Engine() RelayEngine
}

// RelayEngine handles every inbound event once the transport has decoded it.
type RelayEngine interface {
	// Join binds an identity to a connection, broadcasts presence and
	// returns the online snapshot for the new arrival.
	Join(conn ClientConnection, userID string) []string

	// Leave handles a disconnect: deregisters the connection and, when it
	// still owned its identity, broadcasts offline presence.
	Leave(conn ClientConnection)

	// Ingest routes a message and returns the sender's acknowledgment.
	Ingest(ctx context.Context, msg *models.Message) models.MessageResponse

	// RegisterToken stores a push token for an identity.
	RegisterToken(ctx context.Context, userID, token string) error

	// PropagateStatus forwards a status update to the target identity's
	// connection, dropping it silently when the target is offline.
	PropagateStatus(messageID string, status models.Status, targetUserID string)

	// Typing broadcasts a typing indicator to everyone but the typist.
	Typing(userID string, stopped bool)

	// OnlineUsers returns the identities currently bound to a connection.
	OnlineUsers() []string

	// RecentMessages returns up to n recently cached messages for the
	// diagnostic snapshot.
	RecentMessages(n int) []*models.Message
}
