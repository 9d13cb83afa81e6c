package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.ScanDefaultMs != 1000 || cfg.LogRetentionDefaultDays != 30 || cfg.FSMaxFileBytes != 10485760 {
		t.Fatalf("defaults = %+v", cfg)
	}
	def, maxTimeout := cfg.ScriptTimeouts()
	if def != 10*time.Second || maxTimeout != time.Minute {
		t.Fatalf("script timeouts = %v, %v", def, maxTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"scan rate too fast", func(c *Config) { c.ScanDefaultMs = 50 }, "scan_default_ms"},
		{"max below default timeout", func(c *Config) { c.ScriptMaxTimeoutMs = 5000 }, "script_max_timeout_ms"},
		{"retention out of range", func(c *Config) { c.LogRetentionDefaultDays = 400 }, "log_retention_default_days"},
		{"bad cron", func(c *Config) { c.RetentionSchedule = "every tuesday" }, "retention_schedule"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"negative memory ceiling", func(c *Config) { c.MemoryCeilingMB = -1 }, "memory_ceiling_mb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errMsg) {
				t.Errorf("expected error containing %q, got %q", tc.errMsg, err.Error())
			}
		})
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tagflow.yaml")
	yaml := `
http_addr: ":9090"
scan_default_ms: 500
retention_schedule: "0 3 * * *"
log_format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCAN_DEFAULT_MS", "250")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	if _, err := Load(WithConfigFile(path), WithEnvFile(filepath.Join(dir, "missing.env"))); err == nil {
		t.Fatal("expected error for an explicit env file that does not exist")
	}

	cfg, err := Load(WithConfigFile(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.LogFormat != "json" || cfg.RetentionSchedule != "0 3 * * *" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ScanDefaultMs != 250 {
		t.Errorf("scan_default_ms = %d, want env override 250", cfg.ScanDefaultMs)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr = %q", cfg.RedisAddr)
	}
	if cfg.LogRetentionDefaultDays != 30 {
		t.Errorf("log_retention_default_days = %d, want default 30", cfg.LogRetentionDefaultDays)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SESSION_MAX_PER_PROCESS=7\nLOG_LEVEL=DEBUG\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SESSION_MAX_PER_PROCESS")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := Load(WithEnvFile(envPath))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionMaxPerProcess != 7 {
		t.Errorf("session_max_per_process = %d, want 7", cfg.SessionMaxPerProcess)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LOG_RETENTION_DEFAULT_DAYS", "0")
	t.Setenv("SCAN_DEFAULT_MS", "10")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "scan_default_ms") {
		t.Fatalf("Load err = %v, want scan_default_ms violation", err)
	}
}
