package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the sync engine configuration.
//
// Values are loaded in order of increasing precedence: built-in defaults,
// the TOML config file, then PENSA_-prefixed environment variables.
type Config struct {
	Server struct {
		// URL is the backend base URL (no trailing slash).
		URL string `koanf:"url"`
		// SocketURL is the Socket.IO endpoint base URL; defaults to URL.
		SocketURL string `koanf:"socket_url"`
		// Token is the access token used when no token file is configured.
		Token string `koanf:"token"`
		// TokenFile points to a file holding the access token. When set, the
		// file is re-read whenever the cached token approaches expiry.
		TokenFile string `koanf:"token_file"`
	} `koanf:"server"`

	Sync struct {
		// PollIntervalMS is the snapshot poll cadence in milliseconds.
		PollIntervalMS int `koanf:"poll_interval_ms"`
		// PollTimeoutMS bounds a single poll fetch in milliseconds.
		PollTimeoutMS int `koanf:"poll_timeout_ms"`
		// RetryBaseDelayMS is the backoff base delay in milliseconds.
		RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`
		// MaxConsecutiveFailures is the give-up threshold for a channel.
		MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`
		// PresenceWindowMS is the typing/presence quiet window in milliseconds.
		PresenceWindowMS int `koanf:"presence_window_ms"`
	} `koanf:"sync"`

	// Debug enables verbose logging.
	Debug bool `koanf:"debug"`
}

// Load reads configuration from defaults, an optional TOML file, and the
// environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"server.url":                    "https://api.pensaconnect.app",
		"sync.poll_interval_ms":         10000,
		"sync.poll_timeout_ms":          10000,
		"sync.retry_base_delay_ms":      2000,
		"sync.max_consecutive_failures": 3,
		"sync.presence_window_ms":       3000,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./pensaconnect.toml", "$HOME/.pensaconnect.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider("PENSA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PENSA_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if cfg.Server.SocketURL == "" {
		cfg.Server.SocketURL = cfg.Server.URL
	}
	cfg.Server.URL = strings.TrimRight(cfg.Server.URL, "/")
	cfg.Server.SocketURL = strings.TrimRight(cfg.Server.SocketURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Sync.PollIntervalMS <= 0 {
		return fmt.Errorf("sync.poll_interval_ms must be positive")
	}
	if c.Sync.PollTimeoutMS <= 0 {
		return fmt.Errorf("sync.poll_timeout_ms must be positive")
	}
	if c.Sync.RetryBaseDelayMS <= 0 {
		return fmt.Errorf("sync.retry_base_delay_ms must be positive")
	}
	if c.Sync.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("sync.max_consecutive_failures must be positive")
	}
	if c.Sync.PresenceWindowMS <= 0 {
		return fmt.Errorf("sync.presence_window_ms must be positive")
	}
	return nil
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMS) * time.Millisecond
}

// PollTimeout returns the poll fetch bound as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Sync.PollTimeoutMS) * time.Millisecond
}

// RetryBaseDelay returns the backoff base delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Sync.RetryBaseDelayMS) * time.Millisecond
}

// PresenceWindow returns the presence quiet window as a duration.
func (c *Config) PresenceWindow() time.Duration {
	return time.Duration(c.Sync.PresenceWindowMS) * time.Millisecond
}
