package token

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	tokens map[string]string
	gets   int
	saves  int
	fail   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tokens: make(map[string]string)}
}

func (b *fakeBackend) GetPushToken(_ context.Context, identity string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.fail {
		return "", false, fmt.Errorf("backend unavailable")
	}
	token, ok := b.tokens[identity]
	return token, ok, nil
}

func (b *fakeBackend) SavePushToken(_ context.Context, identity, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.fail {
		return fmt.Errorf("backend unavailable")
	}
	b.tokens[identity] = token
	return nil
}

func (b *fakeBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func TestStoreSaveOverwritesPreviousToken(t *testing.T) {
	req := require.New(t)

	store, err := New(16, nil, nil, 0)
	req.NoError(err)

	// Given an identity with a registered token
	req.NoError(store.Save("alice", "token-1"))

	// When a newer token is registered for the same identity
	req.NoError(store.Save("alice", "token-2"))

	// Then lookups return only the newest token
	token, ok := store.Load(context.Background(), "alice")
	req.True(ok)
	req.Equal("token-2", token)
}

func TestStoreSaveRejectsEmptyInput(t *testing.T) {
	req := require.New(t)

	store, err := New(16, nil, nil, 0)
	req.NoError(err)

	req.Error(store.Save("", "token"))
	req.Error(store.Save("alice", ""))
	req.Error(store.Save("  ", "  "))
	req.Equal(0, store.Len())
}

func TestStoreLoadFallsBackToBackendOnce(t *testing.T) {
	req := require.New(t)

	backend := newFakeBackend()
	backend.tokens["bob"] = "token-bob"
	store, err := New(16, backend, nil, 0)
	req.NoError(err)

	// Given a token that lives only in the backend
	token, ok := store.Load(context.Background(), "bob")
	req.True(ok)
	req.Equal("token-bob", token)
	req.Equal(1, backend.getCount())

	// When the same identity is looked up again
	token, ok = store.Load(context.Background(), "bob")

	// Then the cached copy is served without another backend call
	req.True(ok)
	req.Equal("token-bob", token)
	req.Equal(1, backend.getCount())
}

func TestStoreLoadCachesAbsence(t *testing.T) {
	req := require.New(t)

	backend := newFakeBackend()
	store, err := New(16, backend, nil, 0)
	req.NoError(err)

	_, ok := store.Load(context.Background(), "nobody")
	req.False(ok)

	_, ok = store.Load(context.Background(), "nobody")
	req.False(ok)
	req.Equal(1, backend.getCount())
}

func TestStoreCacheSurvivesBackendFailure(t *testing.T) {
	req := require.New(t)

	backend := newFakeBackend()
	backend.fail = true
	store, err := New(16, backend, nil, 0)
	req.NoError(err)

	// Given a save whose background persistence fails
	req.NoError(store.Save("carol", "token-carol"))

	// Then the cached token still serves lookups
	token, ok := store.Load(context.Background(), "carol")
	req.True(ok)
	req.Equal("token-carol", token)
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	req := require.New(t)

	store, err := New(2, nil, nil, 0)
	req.NoError(err)

	req.NoError(store.Save("a", "ta"))
	req.NoError(store.Save("b", "tb"))
	req.NoError(store.Save("c", "tc"))

	req.Equal(2, store.Len())
	_, ok := store.Load(context.Background(), "a")
	req.False(ok)
}
