package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/lumora-im/relay/internal/models"
	"github.com/stretchr/testify/require"
)

func TestJoinBroadcastsPresenceAndReturnsSnapshot(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	first := newFakeConn("c1")
	online := f.engine.Join(first, "alice")
	req.Equal([]string{"alice"}, online)

	// When a second user joins
	second := newFakeConn("c2")
	online = f.engine.Join(second, "bob")

	// Then the snapshot contains both identities
	req.Equal([]string{"alice", "bob"}, online)

	// And only the existing connection got the userOnline broadcast
	events := first.eventsOfType(models.EventUserOnline)
	req.Len(events, 1)
	req.Equal("bob", events[0].payload.(models.PresencePayload).UserID)
	req.Empty(second.eventsOfType(models.EventUserOnline))
}

func TestLeaveBroadcastsOffline(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	leaving := newFakeConn("c1")
	watcher := newFakeConn("c2")
	f.engine.Join(leaving, "alice")
	f.engine.Join(watcher, "bob")

	f.engine.Leave(leaving)

	events := watcher.eventsOfType(models.EventUserOffline)
	req.Len(events, 1)
	req.Equal("alice", events[0].payload.(models.PresencePayload).UserID)
	req.Equal([]string{"bob"}, f.engine.OnlineUsers())
}

func TestStaleDisconnectAfterReconnectStaysOnline(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	watcher := newFakeConn("c0")
	f.engine.Join(watcher, "bob")

	// Given alice reconnected before her old connection dropped
	old := newFakeConn("c1")
	fresh := newFakeConn("c2")
	f.engine.Join(old, "alice")
	f.engine.Join(fresh, "alice")

	// When the old connection's disconnect finally lands
	f.engine.Leave(old)

	// Then alice stays online and nobody saw her go offline
	req.Contains(f.engine.OnlineUsers(), "alice")
	req.Empty(watcher.eventsOfType(models.EventUserOffline))

	// And messages still route to the fresh connection
	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "still here",
		SenderID:    "bob",
		RecipientID: "alice",
	})
	req.Equal(models.StatusDelivered, resp.Status)
	req.Len(fresh.eventsOfType(models.EventMessage), 1)
	req.Empty(old.eventsOfType(models.EventMessage))
}

func TestPropagateStatusReachesOnlineTarget(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	recipient := newFakeConn("c2")
	f.engine.Join(sender, "u1")
	f.engine.Join(recipient, "u2")

	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "read me",
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)

	// When the recipient reports the message as read back to the sender
	f.engine.PropagateStatus(resp.MessageID, models.StatusRead, "u1")

	events := sender.eventsOfType(models.EventMessageStatus)
	req.Len(events, 1)
	update := events[0].payload.(models.StatusUpdatePayload)
	req.Equal(resp.MessageID, update.MessageID)
	req.Equal(models.StatusRead, update.Status)

	// And the cached message reflects the new status
	recent := f.engine.RecentMessages(1)
	req.Len(recent, 1)
	req.Equal(models.StatusRead, recent[0].Status)
}

func TestPropagateStatusConcurrentWithSnapshotReaders(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	f.engine.Join(sender, "u1")

	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "shared entry",
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)

	// Status updates and snapshot marshaling touch the same cached
	// message from different goroutines
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		statuses := []models.Status{models.StatusDelivered, models.StatusRead}
		for i := 0; i < 500; i++ {
			f.engine.PropagateStatus(resp.MessageID, statuses[i%2], "u1")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = json.Marshal(f.engine.RecentMessages(10))
		}
	}()
	wg.Wait()

	recent := f.engine.RecentMessages(1)
	req.Len(recent, 1)
	req.Contains([]models.Status{models.StatusDelivered, models.StatusRead}, recent[0].Status)
}

func TestPropagateStatusDropsWhenTargetOffline(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	f.engine.Join(sender, "u1")

	// A status update for an offline target vanishes without error
	f.engine.PropagateStatus("m1", models.StatusDelivered, "ghost")
	req.Empty(sender.eventsOfType(models.EventMessageStatus))
}

func TestPropagateStatusIgnoresInvalidInput(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	target := newFakeConn("c1")
	f.engine.Join(target, "u1")

	f.engine.PropagateStatus("", models.StatusRead, "u1")
	f.engine.PropagateStatus("m1", models.Status("BOGUS"), "u1")
	f.engine.PropagateStatus("m1", models.StatusRead, "")

	req.Empty(target.eventsOfType(models.EventMessageStatus))
}

func TestTypingBroadcastsToEveryoneButTypist(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	typist := newFakeConn("c1")
	watcher := newFakeConn("c2")
	f.engine.Join(typist, "u1")
	f.engine.Join(watcher, "u2")

	f.engine.Typing("u1", false)
	f.engine.Typing("u1", true)

	typing := watcher.eventsOfType(models.EventUserTyping)
	req.Len(typing, 1)
	req.Equal("u1", typing[0].payload.(models.TypingPayload).UserID)

	stopped := watcher.eventsOfType(models.EventUserStoppedTyping)
	req.Len(stopped, 1)

	req.Empty(typist.eventsOfType(models.EventUserTyping))
	req.Empty(typist.eventsOfType(models.EventUserStoppedTyping))
}
