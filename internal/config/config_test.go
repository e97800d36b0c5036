package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Engine.ServiceRateLimit != 1000 || cfg.Engine.UserRateLimit != 100 {
		t.Errorf("rate limits = %d/%d, want 1000/100", cfg.Engine.ServiceRateLimit, cfg.Engine.UserRateLimit)
	}
	if cfg.Engine.AuditRetention != 180*24*time.Hour {
		t.Errorf("retention = %v, want 180 days", cfg.Engine.AuditRetention)
	}
	if !cfg.Engine.DefaultDeny {
		t.Error("default deny should be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_SERVICE_RATE_LIMIT", "5")
	t.Setenv("ENGINE_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("ENGINE_DEFAULT_DENY", "false")
	t.Setenv("ENGINE_KNOWN_SERVICES", "alpha, beta ,")
	t.Setenv("ENGINE_ANOMALY_THRESHOLD", "0.25")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Engine.ServiceRateLimit != 5 {
		t.Errorf("ServiceRateLimit = %d, want 5", cfg.Engine.ServiceRateLimit)
	}
	if cfg.Engine.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s", cfg.Engine.RateLimitWindow)
	}
	if cfg.Engine.DefaultDeny {
		t.Error("DefaultDeny should be false")
	}
	if got := cfg.Engine.KnownServices; len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("KnownServices = %v", got)
	}
	if cfg.Engine.AnomalyThreshold != 0.25 {
		t.Errorf("AnomalyThreshold = %v", cfg.Engine.AnomalyThreshold)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.env")
	if err := os.WriteFile(path, []byte("ENGINE_USER_RATE_LIMIT=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ENGINE_USER_RATE_LIMIT") })

	cfg := LoadConfig(path)
	if cfg.Engine.UserRateLimit != 7 {
		t.Errorf("UserRateLimit = %d, want 7", cfg.Engine.UserRateLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero service limit", func(c *Config) { c.Engine.ServiceRateLimit = 0 }},
		{"bad backend", func(c *Config) { c.Engine.RateLimitBackend = "memcached" }},
		{"threshold above one", func(c *Config) { c.Engine.AnomalyThreshold = 1.5 }},
		{"hours out of range", func(c *Config) { c.Engine.NormalHoursEnd = 25 }},
		{"no shards", func(c *Config) { c.Engine.Shards = 0 }},
		{"zero retention", func(c *Config) { c.Engine.AuditRetention = 0 }},
		{"short admin token", func(c *Config) { c.Server.AdminToken = "letmein" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Engine: DefaultEngineConfig()}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParsePolicyFile(t *testing.T) {
	doc := []byte(`
default_deny: false
known_services: [tunnel]
whitelist:
  - tunnel:onion:create
policies:
  - name: tunnel_origin
    level: service
    weight: 0.5
    methods: [network_verification]
    action_on_violation: deny
`)
	pf, err := ParsePolicyFile(doc)
	if err != nil {
		t.Fatalf("ParsePolicyFile: %v", err)
	}
	if pf.DefaultDeny == nil || *pf.DefaultDeny {
		t.Error("default_deny should parse as false")
	}
	if len(pf.Whitelist) != 1 || pf.Whitelist[0] != "tunnel:onion:create" {
		t.Errorf("whitelist = %v", pf.Whitelist)
	}
	if len(pf.Policies) != 1 || pf.Policies[0].Weight != 0.5 {
		t.Errorf("policies = %+v", pf.Policies)
	}

	if _, err := ParsePolicyFile([]byte("policies:\n  - name: empty\n    weight: 1\n")); err == nil {
		t.Error("expected error for policy without methods")
	}
}
