package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadServer(configViper); err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadServerAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", []string{"https://a.example.com, https://b.example.com"})

	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("DATOSFINCA_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DATOSFINCA_HTTP_ADDRESS", "127.0.0.1:9999")

	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("expected env overrides, got %#v", cfg)
	}
}

func TestLoadClientRequiresOwnerGroup(t *testing.T) {
	if _, err := LoadClient(NewViper()); err == nil || !strings.Contains(err.Error(), "sync.owner_group_id") {
		t.Fatalf("expected owner group error, got %v", err)
	}
}

func TestLoadClientParsesDurations(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.owner_group_id", "finca-norte")
	configViper.Set("sync.debounce", "2s")
	configViper.Set("sync.endpoint", "https://sync.example.com/")

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Debounce != 2*time.Second {
		t.Fatalf("unexpected debounce %s", cfg.Debounce)
	}
	if cfg.Interval != defaultInterval || cfg.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.Endpoint != "https://sync.example.com" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.Endpoint)
	}
	if err := cfg.RequireRemote(); err == nil {
		t.Fatalf("expected missing token error")
	}
	cfg.Token = "abc"
	if err := cfg.RequireRemote(); err != nil {
		t.Fatalf("unexpected remote validation error: %v", err)
	}
}
