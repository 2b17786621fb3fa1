package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Throttle.MinSpacing != 5*time.Second {
		t.Errorf("Throttle.MinSpacing = %v, want 5s", cfg.Throttle.MinSpacing)
	}
	if cfg.Throttle.Cooldown != 60*time.Second {
		t.Errorf("Throttle.Cooldown = %v, want 60s", cfg.Throttle.Cooldown)
	}
	if cfg.Cache.Expiry != 45*time.Minute {
		t.Errorf("Cache.Expiry = %v, want 45m", cfg.Cache.Expiry)
	}
	if cfg.Cache.MinSize != 250 || cfg.Cache.TargetSize != 500 {
		t.Errorf("Cache sizes = %d/%d, want 250/500", cfg.Cache.MinSize, cfg.Cache.TargetSize)
	}
	if cfg.Refill.MaxAttempts != 5 || cfg.Refill.PageDelay != 3*time.Second {
		t.Errorf("Refill = %d attempts / %v delay, want 5 / 3s", cfg.Refill.MaxAttempts, cfg.Refill.PageDelay)
	}
	if cfg.Persist.Backend != "file" || cfg.Persist.File != "server_cache.json" {
		t.Errorf("Persist = %q/%q, want file/server_cache.json", cfg.Persist.Backend, cfg.Persist.File)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("SERVERFETCHER_SERVER_PORT", "8090")
	t.Setenv("SERVERFETCHER_CACHE_MINSIZE", "10")
	t.Setenv("SERVERFETCHER_CACHE_TARGETSIZE", "20")
	t.Setenv("SERVERFETCHER_PERSIST_BACKEND", "none")
	t.Setenv("SERVERFETCHER_THROTTLE_COOLDOWN", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Cache.MinSize != 10 || cfg.Cache.TargetSize != 20 {
		t.Errorf("Cache sizes = %d/%d, want 10/20", cfg.Cache.MinSize, cfg.Cache.TargetSize)
	}
	if cfg.Persist.Backend != "none" {
		t.Errorf("Persist.Backend = %q, want none", cfg.Persist.Backend)
	}
	if cfg.Throttle.Cooldown != 90*time.Second {
		t.Errorf("Throttle.Cooldown = %v, want 90s", cfg.Throttle.Cooldown)
	}
}

func TestLoad_RejectsInvalidCombos(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"min above target", "SERVERFETCHER_CACHE_MINSIZE", "1000"},
		{"unknown persist backend", "SERVERFETCHER_PERSIST_BACKEND", "s3"},
		{"zero attempts", "SERVERFETCHER_REFILL_MAXATTEMPTS", "0"},
		{"port out of range", "SERVERFETCHER_SERVER_PORT", "99999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s succeeded, want validation error", tt.key, tt.value)
			}
		})
	}
}
