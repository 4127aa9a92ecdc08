package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SYNC_INTERVAL_SECONDS", "ACCESS_TOKEN_TTL_MINUTES", "BUSINESS_NAME", "HUB_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.SyncIntervalSeconds != 15 {
		t.Fatalf("expected default sync interval 15, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token TTL 480, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.BusinessName != "Matjar POS" {
		t.Fatalf("expected default business name, got %q", cfg.BusinessName)
	}
	if cfg.HubURL != "" {
		t.Fatalf("expected replication disabled by default, got %q", cfg.HubURL)
	}
}

func TestLoadRejectsBogusNumericValues(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_SECONDS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.SyncIntervalSeconds != 15 {
		t.Fatalf("expected fallback sync interval 15, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected fallback token TTL 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}

func TestLoadTrimsHubURLSlash(t *testing.T) {
	t.Setenv("HUB_URL", "http://hub.local:8080/")

	cfg := Load()
	if cfg.HubURL != "http://hub.local:8080" {
		t.Fatalf("expected trailing slash stripped, got %q", cfg.HubURL)
	}
}
