package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8081" {
		t.Errorf("HTTPPort default: got %s", cfg.HTTPPort)
	}
	if cfg.QueueBackend != "redis" {
		t.Errorf("QueueBackend default: got %s", cfg.QueueBackend)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout default: got %s", cfg.StoreTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("PUSH_SKIP", "true")
	t.Setenv("STORE_TIMEOUT", "2s")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")

	cfg := Load()
	if cfg.HTTPPort != "9000" {
		t.Errorf("HTTPPort: got %s", cfg.HTTPPort)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("QueueBackend: got %s", cfg.QueueBackend)
	}
	if !cfg.PushSkip {
		t.Error("PushSkip should be true")
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Errorf("StoreTimeout: got %s", cfg.StoreTimeout)
	}
	if cfg.RateLimitPerMin != 30 {
		t.Errorf("RateLimitPerMin: got %d", cfg.RateLimitPerMin)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("STORE_TIMEOUT", "soon")
	t.Setenv("PUSH_SKIP", "maybe")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")

	cfg := Load()
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout should fall back, got %s", cfg.StoreTimeout)
	}
	if cfg.PushSkip {
		t.Error("PushSkip should fall back to false")
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("RateLimitPerMin should fall back, got %d", cfg.RateLimitPerMin)
	}
}
