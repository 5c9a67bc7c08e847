package directory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id string
}

func (c *stubConn) ID() string                                { return c.id }
func (c *stubConn) SendEvent(eventType string, _ interface{}) {}
func (c *stubConn) SendMessage(_ []byte)                      {}
func (c *stubConn) Close()                                    {}
func (c *stubConn) RemoteAddr() string                        { return "127.0.0.1" }

func TestRegisterKeepsBothDirectionsInSync(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	conn := &stubConn{id: "c1"}

	r.Register(conn, "alice")

	identity, ok := r.IdentityFor("c1")
	req.True(ok)
	req.Equal("alice", identity)

	got, ok := r.ConnectionFor("alice")
	req.True(ok)
	req.Equal("c1", got.ID())
	req.Equal(1, r.Len())
}

func TestReconnectSupersedesOldBinding(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	old := &stubConn{id: "c1"}
	fresh := &stubConn{id: "c2"}

	// Given an identity bound to an old connection
	r.Register(old, "alice")

	// When the same identity registers from a new connection
	r.Register(fresh, "alice")

	// Then lookups resolve to the new connection
	got, ok := r.ConnectionFor("alice")
	req.True(ok)
	req.Equal("c2", got.ID())

	// And the superseded connection is orphaned but still registered
	identity, ok := r.IdentityFor("c1")
	req.True(ok)
	req.Equal("alice", identity)
	req.Equal(2, r.Len())
}

func TestStaleDisconnectDoesNotEvictNewBinding(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	old := &stubConn{id: "c1"}
	fresh := &stubConn{id: "c2"}

	// Given a reconnect that superseded the old connection
	r.Register(old, "alice")
	r.Register(fresh, "alice")

	// When the old connection's disconnect finally arrives
	identity, wasCurrent := r.Remove("c1")

	// Then the new binding survives
	req.Equal("alice", identity)
	req.False(wasCurrent)

	got, ok := r.ConnectionFor("alice")
	req.True(ok)
	req.Equal("c2", got.ID())
}

func TestRemoveCurrentBindingClearsBothDirections(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	conn := &stubConn{id: "c1"}
	r.Register(conn, "alice")

	identity, wasCurrent := r.Remove("c1")

	req.Equal("alice", identity)
	req.True(wasCurrent)
	req.Equal(0, r.Len())

	_, ok := r.ConnectionFor("alice")
	req.False(ok)
}

func TestRemoveUnknownConnectionIsNoOp(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	identity, wasCurrent := r.Remove("missing")

	req.Empty(identity)
	req.False(wasCurrent)
}

func TestRejoinUnderNewIdentityReleasesOldOne(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	conn := &stubConn{id: "c1"}

	// Given a connection joined as one identity
	r.Register(conn, "alice")

	// When the same connection joins again under another identity
	r.Register(conn, "alice-2")

	// Then the old identity goes offline and the new one resolves
	_, ok := r.ConnectionFor("alice")
	req.False(ok)

	got, ok := r.ConnectionFor("alice-2")
	req.True(ok)
	req.Equal("c1", got.ID())
	req.Equal(1, r.Len())
}

func TestOnlineIdentitiesSortedSnapshot(t *testing.T) {
	req := require.New(t)

	r := NewRegistry()
	r.Register(&stubConn{id: "c1"}, "carol")
	r.Register(&stubConn{id: "c2"}, "alice")
	r.Register(&stubConn{id: "c3"}, "bob")

	req.Equal([]string{"alice", "bob", "carol"}, r.OnlineIdentities())
}
