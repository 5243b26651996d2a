// Package config loads relay configuration from YAML with environment
// overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/harshasoftware/tarotforge/internal/relay"
	"github.com/harshasoftware/tarotforge/internal/session"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Sync    SyncConfig    `yaml:"sync"`
	Storage StorageConfig `yaml:"storage"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"TAROTFORGE_HOST"`
	Port int    `yaml:"port" env:"TAROTFORGE_PORT"`
}

type RelayConfig struct {
	// SendBuffer is the per-subscriber outbound queue; a subscriber that
	// falls this far behind is disconnected.
	SendBuffer     int           `yaml:"send_buffer"`
	IdleAfter      time.Duration `yaml:"idle_after"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"TAROTFORGE_ALLOWED_ORIGINS"`
	AuthToken      string        `yaml:"auth_token" env:"TAROTFORGE_AUTH_TOKEN"`
	JWTSecret      string        `yaml:"jwt_secret" env:"TAROTFORGE_JWT_SECRET"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

type SyncConfig struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

type StorageConfig struct {
	Path string `yaml:"path" env:"TAROTFORGE_DB_PATH"`
}

type PrivacyConfig struct {
	MaskChannelIDs bool `yaml:"mask_channel_ids" env:"TAROTFORGE_MASK_CHANNEL_IDS"`
}

func (pc PrivacyConfig) NewPrivacyFilter() *relay.PrivacyFilter {
	return &relay.PrivacyFilter{MaskChannelIDs: pc.MaskChannelIDs}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Relay: RelayConfig{
			SendBuffer: 64,
			IdleAfter:  5 * time.Minute,
			TokenTTL:   24 * time.Hour,
		},
		Sync: SyncConfig{
			ResyncInterval: session.DefaultResyncInterval,
		},
		Storage: StorageConfig{
			Path: "tarotforge.db",
		},
	}
}

// Load reads the config file over the built-in defaults, then applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

// LoadOrDefault is Load, except a missing file yields the defaults (still
// with environment overrides) instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = defaultConfig()
		if err := env.Parse(cfg); err != nil {
			return nil, fmt.Errorf("parse environment: %w", err)
		}
		return cfg, cfg.validate()
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.SendBuffer < 0 {
		return fmt.Errorf("relay.send_buffer must not be negative")
	}
	if c.Sync.ResyncInterval <= 0 {
		return fmt.Errorf("sync.resync_interval must be positive")
	}
	return nil
}

// GenerateToken returns a random token suitable for relay.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists human-readable differences between two configs, for logging
// what a reload changed. Secrets are reported as changed, never printed.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Server != new.Server {
		changes = append(changes, fmt.Sprintf("server: %s:%d → %s:%d",
			old.Server.Host, old.Server.Port, new.Server.Host, new.Server.Port))
	}
	if old.Relay.SendBuffer != new.Relay.SendBuffer {
		changes = append(changes, fmt.Sprintf("relay.send_buffer: %d → %d",
			old.Relay.SendBuffer, new.Relay.SendBuffer))
	}
	if old.Relay.IdleAfter != new.Relay.IdleAfter {
		changes = append(changes, fmt.Sprintf("relay.idle_after: %s → %s",
			old.Relay.IdleAfter, new.Relay.IdleAfter))
	}
	if fmt.Sprint(old.Relay.AllowedOrigins) != fmt.Sprint(new.Relay.AllowedOrigins) {
		changes = append(changes, fmt.Sprintf("relay.allowed_origins: %v → %v",
			old.Relay.AllowedOrigins, new.Relay.AllowedOrigins))
	}
	if old.Relay.AuthToken != new.Relay.AuthToken {
		changes = append(changes, "relay.auth_token: changed")
	}
	if old.Relay.JWTSecret != new.Relay.JWTSecret {
		changes = append(changes, "relay.jwt_secret: changed")
	}
	if old.Relay.TokenTTL != new.Relay.TokenTTL {
		changes = append(changes, fmt.Sprintf("relay.token_ttl: %s → %s",
			old.Relay.TokenTTL, new.Relay.TokenTTL))
	}
	if old.Sync.ResyncInterval != new.Sync.ResyncInterval {
		changes = append(changes, fmt.Sprintf("sync.resync_interval: %s → %s",
			old.Sync.ResyncInterval, new.Sync.ResyncInterval))
	}
	if old.Storage.Path != new.Storage.Path {
		changes = append(changes, fmt.Sprintf("storage.path: %s → %s",
			old.Storage.Path, new.Storage.Path))
	}
	if old.Privacy != new.Privacy {
		changes = append(changes, fmt.Sprintf("privacy.mask_channel_ids: %t → %t",
			old.Privacy.MaskChannelIDs, new.Privacy.MaskChannelIDs))
	}

	return changes
}
