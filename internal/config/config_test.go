package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "zero")
	t.Setenv("TIME_SERIES_TTL_SECONDS", "-5")

	cfg := Load()
	if cfg.MaxRetryAttempts != 3 {
		t.Fatalf("expected retry fallback 3, got %d", cfg.MaxRetryAttempts)
	}
	if cfg.TimeSeriesTTLSeconds != 60 {
		t.Fatalf("expected TTL fallback 60, got %d", cfg.TimeSeriesTTLSeconds)
	}
}

func TestAddress(t *testing.T) {
	cfg := Config{Port: "9090"}
	if got := cfg.Address(); got != ":9090" {
		t.Fatalf("expected :9090, got %q", got)
	}
}
