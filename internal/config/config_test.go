package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StorageDriver != "memory" {
		t.Errorf("StorageDriver = %q, want memory", cfg.StorageDriver)
	}
	if cfg.SessionGracePeriod != 60*time.Second {
		t.Errorf("SessionGracePeriod = %v, want 60s", cfg.SessionGracePeriod)
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("SendQueueSize = %d, want 256", cfg.SendQueueSize)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("SESSION_GRACE_PERIOD", "1m30s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SEND_QUEUE_SIZE", "not-a-number")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.AllowAnonymous {
		t.Error("AllowAnonymous = true, want false")
	}
	if cfg.SessionGracePeriod != 90*time.Second {
		t.Errorf("SessionGracePeriod = %v, want 1m30s", cfg.SessionGracePeriod)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("SendQueueSize = %d, want fallback 256", cfg.SendQueueSize)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32"},
		{"no secret without anonymous", func(c *Config) { c.AllowAnonymous = false }, "JWT_SECRET is required"},
		{"postgres without url", func(c *Config) { c.StorageDriver = "postgres" }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.StorageDriver = "redis" }, "REDIS_URL"},
		{"unknown driver", func(c *Config) { c.StorageDriver = "mongo" }, "unknown STORAGE_DRIVER"},
		{"events without redis", func(c *Config) { c.EventsEnabled = true }, "EVENTS_ENABLED"},
		{"zero queue", func(c *Config) { c.SendQueueSize = 0 }, "SEND_QUEUE_SIZE"},
		{"unbounded persist retries", func(c *Config) { c.PersistMaxElapsed = 0 }, "PERSIST_MAX_ELAPSED"},
		{"negative persist retries", func(c *Config) { c.PersistMaxElapsed = -time.Second }, "PERSIST_MAX_ELAPSED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
