package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://api.pensaconnect.app", cfg.Server.URL)
	require.Equal(t, cfg.Server.URL, cfg.Server.SocketURL)
	require.Equal(t, 10000, cfg.Sync.PollIntervalMS)
	require.Equal(t, 3, cfg.Sync.MaxConsecutiveFailures)
	require.Equal(t, 3000, cfg.Sync.PresenceWindowMS)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pensaconnect.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug = true

[server]
url = "https://staging.pensaconnect.app/"
token_file = "/run/secrets/pensa-token"

[sync]
poll_interval_ms = 3000
`), 0o644))

	t.Setenv("PENSA_SYNC_POLL_INTERVAL_MS", "1500")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.Debug)
	// Trailing slash stripped.
	require.Equal(t, "https://staging.pensaconnect.app", cfg.Server.URL)
	require.Equal(t, "/run/secrets/pensa-token", cfg.Server.TokenFile)
	// Environment wins over the file.
	require.Equal(t, 1500, cfg.Sync.PollIntervalMS)
	// Untouched keys keep defaults.
	require.Equal(t, 2000, cfg.Sync.RetryBaseDelayMS)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Server.URL = "https://api.pensaconnect.app"
	cfg.Sync.PollIntervalMS = 1000
	cfg.Sync.PollTimeoutMS = 1000
	cfg.Sync.RetryBaseDelayMS = 1000
	cfg.Sync.MaxConsecutiveFailures = 3
	cfg.Sync.PresenceWindowMS = 3000
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Sync.PollIntervalMS = 0
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Server.URL = ""
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Sync.MaxConsecutiveFailures = -1
	require.Error(t, bad.Validate())
}
