package limiter

import (
	"fmt"
	"testing"

	"github.com/lumora-im/relay/internal/config"
	"github.com/stretchr/testify/require"
)

func limiterConfig(enabled bool, perSecond, burst, banThreshold, banDuration int) *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			ThrottlingConfig: config.ThrottlingConfig{
				RateLimit: config.RateLimitConfig{
					Enabled:              enabled,
					MaxMessagesPerSecond: perSecond,
					BurstSize:            burst,
				},
				BanThreshold: banThreshold,
				BanDuration:  banDuration,
			},
		},
	}
}

func TestAllowWhenDisabled(t *testing.T) {
	rl := NewRateLimiter(limiterConfig(false, 1, 1, 1, 60))

	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("u1"))
	}
}

func TestAllowNeverLimitsSystemTraffic(t *testing.T) {
	rl := NewRateLimiter(limiterConfig(true, 1, 1, 1, 60))

	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(""))
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	req := require.New(t)
	rl := NewRateLimiter(limiterConfig(true, 1, 3, 100, 60))

	// The first burst passes, the next message is rejected
	for i := 0; i < 3; i++ {
		req.True(rl.Allow("u1"), "message %d should pass", i)
	}
	req.False(rl.Allow("u1"))

	// Other identities are unaffected
	req.True(rl.Allow("u2"))
}

func TestRepeatedViolationsEscalateToBan(t *testing.T) {
	req := require.New(t)
	rl := NewRateLimiter(limiterConfig(true, 1, 1, 3, 60))

	req.True(rl.Allow("spammer"))
	for i := 0; i < 3; i++ {
		req.False(rl.Allow("spammer"))
	}

	req.True(rl.IsBanned("spammer"))
	req.False(rl.Allow("spammer"))
	req.False(rl.IsBanned("innocent"))
}

func TestResetClearsBan(t *testing.T) {
	req := require.New(t)
	rl := NewRateLimiter(limiterConfig(true, 1, 1, 1, 60))

	req.True(rl.Allow("u1"))
	req.False(rl.Allow("u1"))
	req.True(rl.IsBanned("u1"))

	rl.Reset("u1")

	req.False(rl.IsBanned("u1"))
	req.True(rl.Allow("u1"))
}

func TestCleanupKeepsRecentAndBanned(t *testing.T) {
	req := require.New(t)
	rl := NewRateLimiter(limiterConfig(true, 1, 1, 1, 3600))

	req.True(rl.Allow("banned-user"))
	req.False(rl.Allow("banned-user"))
	req.True(rl.IsBanned("banned-user"))

	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("active-%d", i))
	}

	rl.Cleanup()

	// Nothing was idle for an hour, so every bucket survives
	rl.mu.Lock()
	count := len(rl.buckets)
	rl.mu.Unlock()
	req.Equal(11, count)
	req.True(rl.IsBanned("banned-user"))
}
