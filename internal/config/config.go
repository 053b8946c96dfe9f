// Package config loads aweb's server configuration from a TOML file with
// environment-variable overrides, the same precedence order (env > file >
// built-in default) the reference fleet's own config loader uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every setting the core subsystems recognize per spec.md §6.
type Config struct {
	// Host/Port is where the HTTP+SSE transport binds.
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// StoreDSN is the durable relational store connection string. For the
	// SQLite backend this is a filesystem path, or ":memory:" for tests.
	StoreDSN string `toml:"store_dsn"`

	// KVAddr is the ephemeral-KV (Redis) address used for presence. Empty
	// selects an in-process store instead, so presence works within this
	// process only; mail/reservation/chat never depend on it, per
	// spec.md §7 (UNAVAILABLE must not take down the durable-store cores).
	KVAddr     string `toml:"kv_addr"`
	KVPassword string `toml:"kv_password"`
	KVDB       int    `toml:"kv_db"`

	// ProxyTrust, when enabled, requires every authenticated request to
	// carry a validly signed proxy context instead of a bearer token.
	ProxyTrustEnabled      bool   `toml:"proxy_trust_enabled"`
	ProxyTrustSigningKey   string `toml:"proxy_trust_signing_key"`
	ProxyTrustClockSkewSec int    `toml:"proxy_trust_clock_skew_seconds"`

	// HangOnExtensionSeconds is the server-configured extension granted by
	// a hang_on control message or a read-receipt extension (spec.md §4.3).
	HangOnExtensionSeconds int `toml:"hang_on_extension_seconds"`

	// Reservation defaults (spec.md §4.4).
	ReservationDefaultTTLSeconds int `toml:"reservation_default_ttl_seconds"`
	ReservationMaxTTLSeconds     int `toml:"reservation_max_ttl_seconds"`

	// HeartbeatTTLSeconds is how long a presence heartbeat remains valid.
	HeartbeatTTLSeconds int `toml:"heartbeat_ttl_seconds"`

	// Wait-deadline settings for chat send-and-wait (spec.md §4.3). They
	// are loaded but not read by the HTTP handlers, which take the wait
	// from each request's wait_seconds (0 means no wait).
	ConversationStartWaitSeconds int `toml:"conversation_start_wait_seconds"`
	QuickSendWaitSeconds         int `toml:"quick_send_wait_seconds"`

	// StreamReplayBuffer is the channel buffer size of each SSE stream's
	// bus subscription. Streams carry live events only; nothing is
	// replayed to a reconnecting client.
	StreamReplayBuffer int `toml:"stream_replay_buffer"`
}

// Default returns the built-in configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		Host:                         "127.0.0.1",
		Port:                         7338,
		StoreDSN:                     filepath.Join(defaultConfigDir(), "aweb.db"),
		KVAddr:                       "",
		KVDB:                         0,
		ProxyTrustEnabled:            false,
		ProxyTrustClockSkewSec:       30,
		HangOnExtensionSeconds:       300,
		ReservationDefaultTTLSeconds: 3600,
		ReservationMaxTTLSeconds:     86400,
		HeartbeatTTLSeconds:          45,
		ConversationStartWaitSeconds: 120,
		QuickSendWaitSeconds:         30,
		StreamReplayBuffer:           50,
	}
}

// DefaultPath returns the default config file location, honoring
// AWEB_CONFIG and XDG_CONFIG_HOME the way the reference loader does.
func DefaultPath() string {
	if env := os.Getenv("AWEB_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(defaultConfigDir(), "config.toml")
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "aweb")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "aweb")
}

// Load reads the TOML file at path (or DefaultPath() if empty) over the
// built-in defaults, then applies AWEB_* environment overrides. A missing
// file is not an error; it just leaves defaults in place.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AWEB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AWEB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AWEB_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("AWEB_KV_ADDR"); v != "" {
		cfg.KVAddr = v
	}
	if v := os.Getenv("AWEB_KV_PASSWORD"); v != "" {
		cfg.KVPassword = v
	}
	if v := os.Getenv("AWEB_PROXY_TRUST_ENABLED"); v != "" {
		cfg.ProxyTrustEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AWEB_PROXY_TRUST_SIGNING_KEY"); v != "" {
		cfg.ProxyTrustSigningKey = v
	}
	if v := os.Getenv("AWEB_HANG_ON_EXTENSION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HangOnExtensionSeconds = n
		}
	}
	if v := os.Getenv("AWEB_RESERVATION_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReservationDefaultTTLSeconds = n
		}
	}
	if v := os.Getenv("AWEB_RESERVATION_MAX_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReservationMaxTTLSeconds = n
		}
	}
	if v := os.Getenv("AWEB_HEARTBEAT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatTTLSeconds = n
		}
	}
}

// Validate checks settings that would otherwise fail confusingly deep
// inside a subsystem.
func (c *Config) Validate() error {
	if c.ProxyTrustEnabled && c.ProxyTrustSigningKey == "" {
		return fmt.Errorf("proxy_trust_enabled requires proxy_trust_signing_key")
	}
	if c.ReservationDefaultTTLSeconds <= 0 {
		return fmt.Errorf("reservation_default_ttl_seconds must be positive")
	}
	if c.ReservationMaxTTLSeconds < c.ReservationDefaultTTLSeconds {
		return fmt.Errorf("reservation_max_ttl_seconds must be >= reservation_default_ttl_seconds")
	}
	if c.HeartbeatTTLSeconds <= 0 {
		return fmt.Errorf("heartbeat_ttl_seconds must be positive")
	}
	return nil
}

// HangOnExtension returns the configured hang-on extension as a duration.
func (c *Config) HangOnExtension() time.Duration {
	return time.Duration(c.HangOnExtensionSeconds) * time.Second
}

// HeartbeatTTL returns the configured heartbeat TTL as a duration.
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSeconds) * time.Second
}

// ReservationCeiling clamps a requested TTL in seconds to (0, ceiling].
// A non-positive request falls back to the configured default.
func (c *Config) ReservationCeiling(requested int) int {
	if requested <= 0 {
		requested = c.ReservationDefaultTTLSeconds
	}
	if requested > c.ReservationMaxTTLSeconds {
		requested = c.ReservationMaxTTLSeconds
	}
	return requested
}

// ProxyTrustClockSkew returns the configured clock-skew allowance.
func (c *Config) ProxyTrustClockSkew() time.Duration {
	return time.Duration(c.ProxyTrustClockSkewSec) * time.Second
}
