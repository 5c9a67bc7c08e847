package push

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	tokens map[string]string
}

func (f *fakeTokens) Load(_ context.Context, identity string) (string, bool) {
	token, ok := f.tokens[identity]
	return token, ok
}

type fakeProvider struct {
	mu    sync.Mutex
	sent  []Notification
	fail  bool
	block time.Duration
}

func (f *fakeProvider) Send(ctx context.Context, n Notification) error {
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("provider rejected notification")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestDispatcherDeliversToRegisteredToken(t *testing.T) {
	req := require.New(t)

	tokens := &fakeTokens{tokens: map[string]string{"alice": "device-token"}}
	provider := &fakeProvider{}
	d := NewDispatcher(tokens, provider, time.Second)

	// Given a recipient with a registered token
	outcome := d.Notify(context.Background(), "alice", "bob", "hello", map[string]string{"messageId": "m1"})

	// Then exactly one provider call is made with that token
	req.Equal(OutcomeDelivered, outcome)
	req.Equal(1, provider.sentCount())
	req.Equal("device-token", provider.sent[0].Token)
	req.Equal("bob", provider.sent[0].Title)
	req.Equal("m1", provider.sent[0].Data["messageId"])
}

func TestDispatcherSkipsUnknownRecipient(t *testing.T) {
	req := require.New(t)

	tokens := &fakeTokens{tokens: map[string]string{}}
	provider := &fakeProvider{}
	d := NewDispatcher(tokens, provider, time.Second)

	// Given a recipient with no token anywhere
	outcome := d.Notify(context.Background(), "ghost", "bob", "hello", nil)

	// Then the provider is never called
	req.Equal(OutcomeSkipped, outcome)
	req.Equal(0, provider.sentCount())
}

func TestDispatcherClassifiesProviderFailure(t *testing.T) {
	req := require.New(t)

	tokens := &fakeTokens{tokens: map[string]string{"alice": "device-token"}}
	provider := &fakeProvider{fail: true}
	d := NewDispatcher(tokens, provider, time.Second)

	outcome := d.Notify(context.Background(), "alice", "bob", "hello", nil)

	req.Equal(OutcomeFailed, outcome)
}

func TestDispatcherBoundsProviderCall(t *testing.T) {
	req := require.New(t)

	tokens := &fakeTokens{tokens: map[string]string{"alice": "device-token"}}
	provider := &fakeProvider{block: 5 * time.Second}
	d := NewDispatcher(tokens, provider, 50*time.Millisecond)

	// Given a provider that hangs longer than the configured timeout
	start := time.Now()
	outcome := d.Notify(context.Background(), "alice", "bob", "hello", nil)

	// Then the call fails within the timeout instead of hanging
	req.Equal(OutcomeFailed, outcome)
	req.Less(time.Since(start), time.Second)
}
