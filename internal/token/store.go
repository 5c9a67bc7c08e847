// Package token stores push tokens for identities, layering a bounded
// in-memory cache over an optional persistent backend.
package token

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lumora-im/relay/internal/errors"
	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// PersistentStore is the durable backend for push tokens. A nil backend
// is valid and leaves the store memory-only.
type PersistentStore interface {
	GetPushToken(ctx context.Context, identity string) (token string, ok bool, err error)
	SavePushToken(ctx context.Context, identity, token string) error
}

// Store maps identities to push tokens. Lookups hit the cache first and
// fall back to the backend at most once per cached entry.
type Store struct {
	cache   *lru.Cache[string, string]
	backend PersistentStore
	persist func(task func())
	timeout time.Duration
}

// New creates a token store with the given cache capacity. persist runs
// backend writes off the caller's goroutine; pass nil to write inline.
func New(size int, backend PersistentStore, persist func(task func()), timeout time.Duration) (*Store, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_CACHE_INIT_FAILED", "failed to create token cache")
	}
	if persist == nil {
		persist = func(task func()) { task() }
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{cache: cache, backend: backend, persist: persist, timeout: timeout}, nil
}

// Save validates and records a token. The cache is updated synchronously
// so subsequent lookups see the new token; the backend write happens in
// the background and a failure there only logs.
func (s *Store) Save(identity, token string) error {
	identity = strings.TrimSpace(identity)
	token = strings.TrimSpace(token)
	if identity == "" {
		return errors.TokenRegistrationError("identity must not be empty")
	}
	if token == "" {
		return errors.TokenRegistrationError("token must not be empty")
	}

	s.cache.Add(identity, token)
	metrics.DBOperations.WithLabelValues("token_cached").Inc()

	if s.backend != nil {
		s.persist(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.backend.SavePushToken(ctx, identity, token); err != nil {
				logger.Warn("Failed to persist push token",
					zap.String("identity", identity),
					zap.Error(errors.TokenStoreError("save", err)))
			}
		})
	}
	return nil
}

// Load returns the stored token for an identity. A cache miss consults
// the backend once and caches the result, so an identity with no token
// anywhere costs at most one backend round trip per cache residency.
func (s *Store) Load(ctx context.Context, identity string) (string, bool) {
	if token, ok := s.cache.Get(identity); ok {
		return token, token != ""
	}

	if s.backend == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	token, ok, err := s.backend.GetPushToken(ctx, identity)
	if err != nil {
		logger.Warn("Push token lookup failed",
			zap.String("identity", identity),
			zap.Error(errors.TokenStoreError("load", err)))
		return "", false
	}
	if !ok {
		// Cache the absence so repeated sends to a token-less identity
		// do not hammer the backend.
		s.cache.Add(identity, "")
		return "", false
	}

	s.cache.Add(identity, token)
	return token, true
}

// Len reports how many identities currently have a cached entry.
func (s *Store) Len() int {
	return s.cache.Len()
}
