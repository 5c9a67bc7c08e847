package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	req := require.New(t)

	// When: loading with no config file present
	cfg, err := Load("", nil)

	// Then: the embedded defaults are applied and validate cleanly
	req.NoError(err)
	req.Equal("lumora-relay", cfg.Relay.Name)
	req.Equal(":8080", cfg.Relay.WSAddr)
	req.Equal(8192, cfg.Relay.MessageCacheSize)
	req.Equal(4096, cfg.Relay.TokenCacheSize)
	req.Equal(5*time.Minute, cfg.Relay.IdleTimeout)
	req.Equal(8181, cfg.Metrics.Port)
	req.True(cfg.Metrics.Enabled)
	req.Equal(5432, cfg.Database.Port)
	req.Equal("lumora", cfg.Database.Name)
	req.True(cfg.Push.Enabled)
	req.Equal("https://fcm.googleapis.com/fcm/send", cfg.Push.Endpoint)
	req.Equal(10*time.Second, cfg.Push.Timeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	req := require.New(t)

	path := writeConfigFile(t, `
relay:
  NAME: custom-relay
  WS_ADDR: "127.0.0.1:9090"
database:
  SERVER: db.internal
`)

	cfg, err := Load(path, nil)

	req.NoError(err)
	req.Equal("custom-relay", cfg.Relay.Name)
	req.Equal("127.0.0.1:9090", cfg.Relay.WSAddr)
	req.Equal("db.internal", cfg.Database.Server)
	// Untouched keys keep their defaults
	req.Equal(8192, cfg.Relay.MessageCacheSize)
}

func TestLoadEnvOverride(t *testing.T) {
	req := require.New(t)

	t.Setenv("LUMORA_RELAY_NAME", "env-relay")
	t.Setenv("LUMORA_METRICS_PORT", "9181")

	cfg, err := Load("", nil)

	req.NoError(err)
	req.Equal("env-relay", cfg.Relay.Name)
	req.Equal(9181, cfg.Metrics.Port)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "invalid websocket address",
			yaml: `
relay:
  WS_ADDR: "not-an-address"
`,
			wantMsg: "must be a valid WebSocket address",
		},
		{
			name: "metrics port collides with database port",
			yaml: `
metrics:
  PORT: 5432
`,
			wantMsg: "conflicts with metrics port",
		},
		{
			name: "push enabled without endpoint",
			yaml: `
push:
  ENABLED: true
  ENDPOINT: ""
`,
			wantMsg: "push is enabled but no provider endpoint",
		},
		{
			name: "message cache too small for connection limit",
			yaml: `
relay:
  MESSAGE_CACHE_SIZE: 100
`,
			wantMsg: "too small",
		},
		{
			name: "relay name too long",
			yaml: `
relay:
  NAME: this-relay-name-is-way-too-long-to-be-accepted
`,
			wantMsg: "must be at most",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)

			path := writeConfigFile(t, tc.yaml)
			_, err := Load(path, nil)

			req.Error(err)
			req.Contains(err.Error(), tc.wantMsg)
		})
	}
}
