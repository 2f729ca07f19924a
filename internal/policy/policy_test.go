package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default policy to validate: %v", err)
	}
	if cfg.Execution.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Execution.MaxAttempts)
	}
	if cfg.Cooldown() != 30*time.Second {
		t.Fatalf("expected default cooldown 30s, got %s", cfg.Cooldown())
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if len(cfg.Logs.CompletionMarkers) == 0 {
		t.Fatalf("expected default completion markers")
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-policy.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test policy file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default policy version 1, got %d", cfg.Version)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Execution.MaxAttempts = 0 }},
		{"zero cooldown", func(c *Config) { c.Execution.CooldownSeconds = 0 }},
		{"log window too long", func(c *Config) { c.Execution.LogWindowSeconds = 400 }},
		{"empty base url", func(c *Config) { c.Platform.BaseURL = "" }},
		{"unknown backend", func(c *Config) { c.Sessions.Backend = "etcd" }},
		{"redis backend without url", func(c *Config) { c.Sessions.Backend = SessionBackendRedis }},
		{"no completion predicate", func(c *Config) {
			c.Logs.CompletionMarkers = nil
			c.Logs.CompletionScript = ""
		}},
		{"events redis without stream", func(c *Config) { c.Events.Redis.URL = "redis://localhost:6379/0" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
