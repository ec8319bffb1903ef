package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("CONCLAVE_STREAM_IDLE_HOURS", "")
	t.Setenv("MINIO_USE_SSL", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.StreamIdleTTL != 72*time.Hour {
		t.Fatalf("StreamIdleTTL = %s", cfg.StreamIdleTTL)
	}
	if cfg.GitTimeout != 2*time.Minute {
		t.Fatalf("GitTimeout = %s", cfg.GitTimeout)
	}
	if cfg.MinioUseSSL || cfg.RedisURL != "" {
		t.Fatalf("unexpected optional settings: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONCLAVE_STREAM_IDLE_HOURS", "0")
	t.Setenv("CONCLAVE_SWEEP_INTERVAL_SECONDS", "30")
	t.Setenv("CONCLAVE_GIT_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()
	if cfg.StreamIdleTTL != 0 {
		t.Fatalf("StreamIdleTTL = %s, want disabled", cfg.StreamIdleTTL)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("SweepInterval = %s", cfg.SweepInterval)
	}
	if cfg.GitTimeout != 2*time.Minute {
		t.Fatalf("GitTimeout = %s, want default on parse error", cfg.GitTimeout)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("MinioUseSSL should be true")
	}
}
