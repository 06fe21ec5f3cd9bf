package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":5000" || cfg.StoreDriver != DriverPostgres || cfg.AccessTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ActionLogBuffer != 256 {
		t.Fatalf("ActionLogBuffer = %d", cfg.ActionLogBuffer)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without SECRET_KEY")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ACCESS_TTL", "90m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != DriverMemory || cfg.AccessTTL != 90*time.Minute || cfg.RedisURL == "" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := Config{StoreDriver: DriverMemory, AccessTTL: time.Hour, SecretKey: "s3cret"}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no secret", mutate: func(c *Config) { c.SecretKey = "" }},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "sqlite" }},
		{name: "postgres without url", mutate: func(c *Config) { c.StoreDriver = DriverPostgres }},
		{name: "zero ttl", mutate: func(c *Config) { c.AccessTTL = 0 }},
		{name: "admin without password", mutate: func(c *Config) { c.AdminUsername = "admin" }},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
