package credcore

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Clock == nil || cfg.KeyPrefix == "" {
		t.Fatal("expected defaults for clock and key prefix")
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero access ttl", func(c *Config) { c.Token.AccessTTL = 0 }},
		{"oversized access ttl", func(c *Config) { c.Token.AccessTTL = time.Hour }},
		{"zero refresh ttl", func(c *Config) { c.Refresh.TTL = 0 }},
		{"oversized refresh ttl", func(c *Config) { c.Refresh.TTL = 365 * 24 * time.Hour }},
		{"zero reset ttl", func(c *Config) { c.Reset.TTL = 0 }},
		{"oversized reset ttl", func(c *Config) { c.Reset.TTL = 2 * time.Hour }},
		{"zero validation ttl", func(c *Config) { c.Validation.TTL = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("expected validation to fail")
			}
		})
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := defaultConfig()
	cfg.Clock = nil
	cfg.KeyPrefix = ""

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if cfg.Clock == nil {
		t.Fatal("expected clock default")
	}
	if cfg.KeyPrefix != "cc" {
		t.Fatalf("expected default key prefix, got %q", cfg.KeyPrefix)
	}
}
