package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/directory"
	"github.com/lumora-im/relay/internal/models"
	"github.com/lumora-im/relay/internal/push"
	"github.com/lumora-im/relay/internal/token"
	"github.com/lumora-im/relay/internal/workers"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	eventType string
	payload   interface{}
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendEvent(eventType string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{eventType: eventType, payload: payload})
}

func (c *fakeConn) SendMessage(_ []byte) {}
func (c *fakeConn) Close()               {}
func (c *fakeConn) RemoteAddr() string   { return "127.0.0.1" }

func (c *fakeConn) eventsOfType(eventType string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, e := range c.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingProvider struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (p *recordingProvider) Send(_ context.Context, n push.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingProvider) notifications() []push.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]push.Notification, len(p.sent))
	copy(out, p.sent)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			Name:             "test-relay",
			WSAddr:           ":0",
			IdleTimeout:      time.Minute,
			WriteTimeout:     10 * time.Second,
			MessageCacheSize: 128,
			TokenCacheSize:   128,
			ThrottlingConfig: config.ThrottlingConfig{
				RateLimit: config.RateLimitConfig{
					Enabled:              false,
					MaxMessagesPerSecond: 100,
					BurstSize:            10,
				},
				MaxContentLen:  1024,
				MaxConnections: 100,
				BanThreshold:   10,
				BanDuration:    60,
			},
		},
	}
}

type engineFixture struct {
	engine   *Engine
	registry *directory.Registry
	tokens   *token.Store
	provider *recordingProvider
	pool     *workers.WorkerPool
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	req := require.New(t)

	registry := directory.NewRegistry()
	tokens, err := token.New(128, nil, nil, 0)
	req.NoError(err)

	provider := &recordingProvider{}
	dispatcher := push.NewDispatcher(tokens, provider, time.Second)
	pool := workers.NewWorkerPool(2, 64)
	t.Cleanup(pool.Stop)

	engine, err := NewEngine(testConfig(), registry, tokens, dispatcher, pool, nil)
	req.NoError(err)

	return &engineFixture{
		engine:   engine,
		registry: registry,
		tokens:   tokens,
		provider: provider,
		pool:     pool,
	}
}

func TestIngestDeliversToOnlineRecipient(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	recipient := newFakeConn("c2")
	f.engine.Join(sender, "u1")
	f.engine.Join(recipient, "u2")

	// When u1 sends a direct message to the online u2
	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "hello",
		SenderID:    "u1",
		RecipientID: "u2",
	})

	// Then the sender gets a delivered acknowledgment
	req.True(resp.Success)
	req.NotEmpty(resp.MessageID)
	req.Equal(models.StatusDelivered, resp.Status)

	// And the recipient's connection received exactly one message event
	delivered := recipient.eventsOfType(models.EventMessage)
	req.Len(delivered, 1)
	msg := delivered[0].payload.(*models.Message)
	req.Equal("hello", msg.Content)
	req.Equal(models.StatusDelivered, msg.Status)

	// And no push was dispatched
	req.Empty(f.provider.notifications())
}

func TestIngestFallsBackToPushForOfflineRecipient(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	f.engine.Join(sender, "u1")

	// Given an offline recipient with a registered push token
	req.NoError(f.engine.RegisterToken(context.Background(), "u2", "device-token"))

	// When u1 sends a direct message to the offline u2
	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "hello offline",
		SenderID:    "u1",
		RecipientID: "u2",
		SenderName:  "User One",
	})

	// Then the acknowledgment keeps the sent status
	req.True(resp.Success)
	req.Equal(models.StatusSent, resp.Status)

	// And exactly one push reaches the provider with that token
	req.Eventually(func() bool {
		return len(f.provider.notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	n := f.provider.notifications()[0]
	req.Equal("device-token", n.Token)
	req.Equal("User One", n.Title)
	req.Equal(resp.MessageID, n.Data["messageId"])
	req.Equal("u1", n.Data["senderId"])
}

func TestIngestOfflineRecipientWithoutTokenSkipsPush(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	f.engine.Join(sender, "u1")

	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "into the void",
		SenderID:    "u1",
		RecipientID: "ghost",
	})

	req.True(resp.Success)
	req.Equal(models.StatusSent, resp.Status)

	f.pool.Wait()
	req.Empty(f.provider.notifications())
}

func TestIngestBroadcastFansOutExceptSender(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	other1 := newFakeConn("c2")
	other2 := newFakeConn("c3")
	f.engine.Join(sender, "u1")
	f.engine.Join(other1, "u2")
	f.engine.Join(other2, "u3")

	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:  "hello everyone",
		SenderID: "u1",
	})

	req.True(resp.Success)
	req.Len(other1.eventsOfType(models.EventMessage), 1)
	req.Len(other2.eventsOfType(models.EventMessage), 1)
	req.Empty(sender.eventsOfType(models.EventMessage))
}

func TestIngestRejectsInvalidMessages(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	cases := []struct {
		name string
		msg  models.Message
	}{
		{name: "missing sender", msg: models.Message{Content: "hi"}},
		{name: "empty content", msg: models.Message{SenderID: "u1"}},
		{name: "whitespace content", msg: models.Message{SenderID: "u1", Content: "   "}},
		{name: "oversized content", msg: models.Message{SenderID: "u1", Content: strings.Repeat("x", 2048)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.msg
			resp := f.engine.Ingest(context.Background(), &msg)
			req.False(resp.Success)
			req.Equal(models.StatusFailed, resp.Status)
			req.NotEmpty(resp.Error)
		})
	}
}

func TestIngestPreservesClientSuppliedID(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	resp := f.engine.Ingest(context.Background(), &models.Message{
		ID:       "client-id-1",
		Content:  "hi",
		SenderID: "u1",
	})

	req.True(resp.Success)
	req.Equal("client-id-1", resp.MessageID)
}

func TestIngestDuplicateIDOverwritesInPlace(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	first := f.engine.Ingest(context.Background(), &models.Message{
		ID:       "dup-1",
		Content:  "original",
		SenderID: "u1",
	})
	req.True(first.Success)

	second := f.engine.Ingest(context.Background(), &models.Message{
		ID:       "dup-1",
		Content:  "edited",
		SenderID: "u1",
	})
	req.True(second.Success)

	// The cache holds one entry for the id, with the later content
	recent := f.engine.RecentMessages(10)
	req.Len(recent, 1)
	req.Equal("edited", recent[0].Content)
}

func TestLateJoinDoesNotRetroDeliver(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	sender := newFakeConn("c1")
	f.engine.Join(sender, "u1")

	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "missed you",
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)
	req.Equal(models.StatusSent, resp.Status)

	// When the recipient comes online afterwards
	late := newFakeConn("c2")
	f.engine.Join(late, "u2")

	// Then no message is replayed and the cached status stays sent
	req.Empty(late.eventsOfType(models.EventMessage))
	recent := f.engine.RecentMessages(1)
	req.Len(recent, 1)
	req.Equal(models.StatusSent, recent[0].Status)
}

func TestPushBodyTruncatesOnRuneBoundary(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	req.NoError(f.engine.RegisterToken(context.Background(), "u2", "device-token"))

	// One ASCII byte followed by three-byte runes puts the byte limit
	// mid-rune
	content := "a" + strings.Repeat("日", 200)
	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     content,
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)

	req.Eventually(func() bool {
		return len(f.provider.notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	body := f.provider.notifications()[0].Body
	req.LessOrEqual(len(body), notificationBodyLimit)
	req.True(utf8.ValidString(body))
	req.True(strings.HasPrefix(content, body))
}

func TestTokenSurvivesConnectionChurn(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	// The recipient registers a token, then churns through connections
	first := newFakeConn("c1")
	f.engine.Join(first, "u2")
	req.NoError(f.engine.RegisterToken(context.Background(), "u2", "stable-token"))
	f.engine.Leave(first)

	second := newFakeConn("c2")
	f.engine.Join(second, "u2")
	f.engine.Leave(second)

	// When a message arrives while u2 is offline
	sender := newFakeConn("c3")
	f.engine.Join(sender, "u1")
	resp := f.engine.Ingest(context.Background(), &models.Message{
		Content:     "catch up",
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)
	req.Equal(models.StatusSent, resp.Status)

	// Then the push still reaches the originally registered token
	req.Eventually(func() bool {
		return len(f.provider.notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	req.Equal("stable-token", f.provider.notifications()[0].Token)
}

type countingBackend struct {
	mu     sync.Mutex
	gets   int
	stored map[string]string
}

func (b *countingBackend) GetPushToken(_ context.Context, identity string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	tok, ok := b.stored[identity]
	return tok, ok, nil
}

func (b *countingBackend) SavePushToken(_ context.Context, identity, tok string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stored == nil {
		b.stored = make(map[string]string)
	}
	b.stored[identity] = tok
	return nil
}

func (b *countingBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func TestJoinWarmsTokenCacheFromBackend(t *testing.T) {
	req := require.New(t)

	backend := &countingBackend{stored: map[string]string{"u2": "persisted-token"}}
	registry := directory.NewRegistry()
	tokens, err := token.New(128, backend, nil, time.Second)
	req.NoError(err)
	provider := &recordingProvider{}
	dispatcher := push.NewDispatcher(tokens, provider, time.Second)
	pool := workers.NewWorkerPool(2, 64)
	t.Cleanup(pool.Stop)
	engine, err := NewEngine(testConfig(), registry, tokens, dispatcher, pool, nil)
	req.NoError(err)

	// Joining fetches the identity's token in the background
	recipient := newFakeConn("c1")
	engine.Join(recipient, "u2")
	pool.Wait()
	req.Equal(1, backend.getCount())

	engine.Leave(recipient)
	sender := newFakeConn("c2")
	engine.Join(sender, "u1")
	pool.Wait()

	// The offline send resolves the token from cache, not the backend
	before := backend.getCount()
	resp := engine.Ingest(context.Background(), &models.Message{
		Content:     "hello again",
		SenderID:    "u1",
		RecipientID: "u2",
	})
	req.True(resp.Success)

	req.Eventually(func() bool {
		return len(provider.notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	req.Equal("persisted-token", provider.notifications()[0].Token)
	req.Equal(before, backend.getCount())
}

func TestRegisterTokenRejectsEmptyInput(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	req.Error(f.engine.RegisterToken(context.Background(), "", "tok"))
	req.Error(f.engine.RegisterToken(context.Background(), "u1", ""))
	req.NoError(f.engine.RegisterToken(context.Background(), "u1", "tok"))
}

func TestRecentMessagesReturnsNewestCached(t *testing.T) {
	req := require.New(t)
	f := newEngineFixture(t)

	for _, content := range []string{"one", "two", "three"} {
		resp := f.engine.Ingest(context.Background(), &models.Message{
			Content:  content,
			SenderID: "u1",
		})
		req.True(resp.Success)
	}

	recent := f.engine.RecentMessages(2)
	req.Len(recent, 2)
	req.Equal("two", recent[0].Content)
	req.Equal("three", recent[1].Content)
}
