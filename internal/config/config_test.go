package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != Default().Port {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "port = 9999\nstore_dsn = \"/tmp/custom.db\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected TOML port override, got %d", cfg.Port)
	}
	if cfg.StoreDSN != "/tmp/custom.db" {
		t.Fatalf("expected TOML store_dsn override, got %q", cfg.StoreDSN)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("port = 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWEB_PORT", "1234")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected env override to win, got %d", cfg.Port)
	}
}

func TestValidateRejectsProxyTrustWithoutKey(t *testing.T) {
	cfg := Default()
	cfg.ProxyTrustEnabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for proxy trust without signing key")
	}
}

func TestReservationCeilingClamps(t *testing.T) {
	cfg := Default()
	cfg.ReservationDefaultTTLSeconds = 100
	cfg.ReservationMaxTTLSeconds = 200
	if got := cfg.ReservationCeiling(0); got != 100 {
		t.Fatalf("expected default 100, got %d", got)
	}
	if got := cfg.ReservationCeiling(9999); got != 200 {
		t.Fatalf("expected clamp to 200, got %d", got)
	}
	if got := cfg.ReservationCeiling(150); got != 150 {
		t.Fatalf("expected pass-through 150, got %d", got)
	}
}
