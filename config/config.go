// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required chat credentials, use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	// OAuth endpoints (Twitch-shaped defaults; any conformant provider works)
	DeviceCodeURL string
	TokenURL      string
	ValidateURL   string
	Scopes        string

	// Chat consumer
	Channels    []string
	BotUsername string

	// Credential store
	CredFile      string
	EncryptionKey string

	// Refresh tuning
	RefreshInterval  time.Duration
	RefreshThreshold time.Duration
	SafetyBuffer     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	// Persistence tuning
	PersistDebounce time.Duration

	// HTTP
	ListenAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if chat creds
// are missing; use ValidateChatReady() when you require the IRC consumer. Missing
// optional variables disable features (e.g., encryption at rest).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DeviceCodeURL = envOr("OAUTH_DEVICE_CODE_URL", "https://id.twitch.tv/oauth2/device")
	cfg.TokenURL = envOr("OAUTH_TOKEN_URL", "https://id.twitch.tv/oauth2/token")
	cfg.ValidateURL = envOr("OAUTH_VALIDATE_URL", "https://id.twitch.tv/oauth2/validate")
	cfg.Scopes = envOr("OAUTH_SCOPES", "chat:read chat:edit")

	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				cfg.Channels = append(cfg.Channels, c)
			}
		}
	}
	cfg.BotUsername = os.Getenv("TWITCH_BOT_USERNAME")

	cfg.CredFile = envOr("CRED_FILE", "data/users.json")
	cfg.EncryptionKey = os.Getenv("CRED_ENCRYPTION_KEY")

	var err error
	if cfg.RefreshInterval, err = durationOr("REFRESH_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshThreshold, err = durationOr("REFRESH_THRESHOLD", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SafetyBuffer, err = durationOr("TOKEN_SAFETY_BUFFER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = durationOr("REFRESH_BACKOFF_BASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = durationOr("REFRESH_BACKOFF_MAX", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PersistDebounce, err = durationOr("PERSIST_DEBOUNCE", 250*time.Millisecond); err != nil {
		return nil, err
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", ":8080")

	return cfg, nil
}

// ValidateChatReady checks required fields when the IRC consumer is enabled.
func (c *Config) ValidateChatReady() error {
	if len(c.Channels) == 0 || c.BotUsername == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNELS, TWITCH_BOT_USERNAME")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
