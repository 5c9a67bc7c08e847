// Package limiter enforces per-identity message rate limits with
// escalation to temporary bans for repeat offenders.
package limiter

import (
	"sync"
	"time"

	"github.com/lumora-im/relay/internal/config"
	"github.com/lumora-im/relay/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter    *rate.Limiter
	violations int
	bannedAt   time.Time
	lastSeen   time.Time
}

// RateLimiter tracks message rates per identity. An identity that keeps
// pushing past its limit gets banned for the configured duration.
type RateLimiter struct {
	buckets      map[string]*bucket
	mu           sync.Mutex
	enabled      bool
	perSecond    rate.Limit
	burst        int
	banThreshold int
	banDuration  time.Duration
}

// NewRateLimiter builds a limiter from the relay throttling config.
func NewRateLimiter(cfg *config.Config) *RateLimiter {
	throttle := cfg.Relay.ThrottlingConfig
	burst := throttle.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		enabled:      throttle.RateLimit.Enabled,
		perSecond:    rate.Limit(throttle.RateLimit.MaxMessagesPerSecond),
		burst:        burst,
		banThreshold: throttle.BanThreshold,
		banDuration:  time.Duration(throttle.BanDuration) * time.Second,
	}
}

// Allow reports whether an identity may send another message right now.
// Empty identities are system traffic and never limited.
func (rl *RateLimiter) Allow(identity string) bool {
	if !rl.enabled || identity == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[identity]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.buckets[identity] = b
	}
	b.lastSeen = time.Now()

	if !b.bannedAt.IsZero() {
		if time.Since(b.bannedAt) < rl.banDuration {
			return false
		}
		b.bannedAt = time.Time{}
		b.violations = 0
	}

	if b.limiter.Allow() {
		return true
	}

	b.violations++
	if b.violations >= rl.banThreshold {
		b.bannedAt = time.Now()
		logger.Warn("Rate limit exceeded, identity banned",
			zap.String("identity", identity),
			zap.Int("violations", b.violations),
			zap.Duration("ban_duration", rl.banDuration),
		)
	} else {
		logger.Debug("Rate limit exceeded",
			zap.String("identity", identity),
			zap.Int("violations", b.violations),
		)
	}
	return false
}

// IsBanned reports whether an identity is currently serving a ban.
func (rl *RateLimiter) IsBanned(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[identity]
	if !exists || b.bannedAt.IsZero() {
		return false
	}
	return time.Since(b.bannedAt) < rl.banDuration
}

// Reset clears limiter state for an identity.
func (rl *RateLimiter) Reset(identity string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, identity)
}

// Cleanup removes buckets that have been idle for over an hour. Meant to
// run periodically from the node's maintenance loop.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for identity, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) && b.bannedAt.IsZero() {
			delete(rl.buckets, identity)
		}
	}
}
