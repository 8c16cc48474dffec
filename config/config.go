// Package config loads engine configuration from a YAML file with
// environment-variable overrides. A .env file is honored in development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything a deployment needs to wire a conversation:
// the pair of identities, backing services, and engine tuning knobs.
type Config struct {
	SelfID string `yaml:"self_id"`
	PeerID string `yaml:"peer_id"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	RelayURL    string `yaml:"relay_url"`

	CachePath    string `yaml:"cache_path"`
	MediaDir     string `yaml:"media_dir"`
	MediaBaseURL string `yaml:"media_base_url"`

	// TypingTimeout clears a peer's typing flag after silence.
	TypingTimeout time.Duration `yaml:"typing_timeout"`
	// SendTimeout transitions a send stuck in Sending to Error. Zero
	// disables the timeout.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// ConnectingDebounce delays the Connecting indicator so brief
	// reconnects stay invisible.
	ConnectingDebounce time.Duration `yaml:"connecting_debounce"`
}

// Load reads the YAML file at path (optional; empty path skips it),
// overlays environment variables, and applies defaults. A .env file is
// loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlayEnv(cfg)
	applyDefaults(cfg)

	if cfg.SelfID == "" || cfg.PeerID == "" {
		return nil, fmt.Errorf("self_id and peer_id are required")
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setString(&cfg.SelfID, "PAIRSYNC_SELF_ID")
	setString(&cfg.PeerID, "PAIRSYNC_PEER_ID")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.RelayURL, "PAIRSYNC_RELAY_URL")
	setString(&cfg.CachePath, "PAIRSYNC_CACHE_PATH")
	setString(&cfg.MediaDir, "PAIRSYNC_MEDIA_DIR")
	setString(&cfg.MediaBaseURL, "PAIRSYNC_MEDIA_BASE_URL")
	setDuration(&cfg.TypingTimeout, "PAIRSYNC_TYPING_TIMEOUT")
	setDuration(&cfg.SendTimeout, "PAIRSYNC_SEND_TIMEOUT")
	setDuration(&cfg.ConnectingDebounce, "PAIRSYNC_CONNECTING_DEBOUNCE")
}

func applyDefaults(cfg *Config) {
	if cfg.CachePath == "" {
		cfg.CachePath = "pairsync-cache"
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "pairsync-media"
	}
	if cfg.MediaBaseURL == "" {
		cfg.MediaBaseURL = "http://localhost:8080/media"
	}
	if cfg.TypingTimeout == 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.ConnectingDebounce == 0 {
		cfg.ConnectingDebounce = time.Second
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	*dst = d
}
