package directory

import (
	"sort"
	"sync"

	"github.com/lumora-im/relay/internal/domain"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// entry binds a connection to an identity. seq is a logical timestamp
// taken from a monotonic counter at registration time, so a stale
// binding can always be told apart from the one that superseded it.
type entry struct {
	conn     domain.ClientConnection
	identity string
	seq      uint64
}

// Registry is the bidirectional directory between ephemeral connections
// and stable user identities. Both directions are inserted and removed
// together; a re-registration supersedes the previous binding
// (last write wins) without tearing the old connection down.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*entry // connection id -> binding
	byIdentity map[string]*entry // identity -> latest binding
	seq        uint64
}

// NewRegistry creates an empty directory.
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]*entry),
		byIdentity: make(map[string]*entry),
	}
}

// Register binds identity to conn, overwriting both directional mappings.
// If identity was already bound to a different connection, that binding is
// superseded; the old connection becomes orphaned and cleans itself up on
// its own disconnect.
func (r *Registry) Register(conn domain.ClientConnection, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &entry{conn: conn, identity: identity, seq: r.seq}

	// A connection re-joining under a new identity releases its old one,
	// but only when the reverse mapping still points here.
	if prev, ok := r.byConn[conn.ID()]; ok && prev.identity != identity {
		if cur, ok := r.byIdentity[prev.identity]; ok && cur.conn.ID() == conn.ID() {
			delete(r.byIdentity, prev.identity)
		}
	}

	if prev, ok := r.byIdentity[identity]; ok && prev.conn.ID() != conn.ID() {
		logger.Debug("Identity rebound to a new connection",
			zap.String("identity", identity),
			zap.String("old_connection", prev.conn.ID()),
			zap.String("new_connection", conn.ID()),
			zap.Uint64("seq", e.seq))
	}

	r.byConn[conn.ID()] = e
	r.byIdentity[identity] = e
	metrics.SetOnlineUsers(int64(len(r.byIdentity)))
}

// IdentityFor returns the identity bound to a connection, if any.
func (r *Registry) IdentityFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return e.identity, true
}

// ConnectionFor returns the current connection for an identity, if any.
func (r *Registry) ConnectionFor(identity string) (domain.ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Remove deletes the binding for connID. The reverse mapping is removed
// only when it still points at this connection: if the identity already
// reconnected elsewhere before this disconnect arrived, the newer binding
// is live and must survive. Returns the identity and whether this
// connection was still its current one.
func (r *Registry) Remove(connID string) (identity string, wasCurrent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	cur, ok := r.byIdentity[e.identity]
	if ok && cur.conn.ID() == connID {
		delete(r.byIdentity, e.identity)
		metrics.SetOnlineUsers(int64(len(r.byIdentity)))
		return e.identity, true
	}

	logger.Debug("Stale disconnect ignored, identity already reconnected",
		zap.String("identity", e.identity),
		zap.String("connection", connID),
		zap.Uint64("stale_seq", e.seq))
	return e.identity, false
}

// OnlineIdentities returns a sorted point-in-time list of identities
// with a live binding.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		ids = append(ids, identity)
	}
	sort.Strings(ids)
	return ids
}

// Connections returns every registered connection, including orphaned
// ones whose identity has since reconnected elsewhere.
func (r *Registry) Connections() []domain.ClientConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]domain.ClientConnection, 0, len(r.byConn))
	for _, e := range r.byConn {
		conns = append(conns, e.conn)
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
