package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `poll_interval: 1s
grace_period: 10s
isolation_wrapper: firejail
work_root: /var/lib/warden/jobs
idle_timeout: 15m
job_timeout: 12h
log_level: debug
audit_log: /var/log/warden/audit.log
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval.Duration != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.PollInterval.Duration)
	}
	if cfg.GracePeriod.Duration != 10*time.Second {
		t.Errorf("GracePeriod = %v, want 10s", cfg.GracePeriod.Duration)
	}
	if cfg.IsolationWrapper != "firejail" {
		t.Errorf("IsolationWrapper = %q, want %q", cfg.IsolationWrapper, "firejail")
	}
	if cfg.WorkRoot != "/var/lib/warden/jobs" {
		t.Errorf("WorkRoot = %q", cfg.WorkRoot)
	}
	if cfg.IdleTimeout.Duration != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", cfg.IdleTimeout.Duration)
	}
	if cfg.JobTimeout.Duration != 12*time.Hour {
		t.Errorf("JobTimeout = %v, want 12h", cfg.JobTimeout.Duration)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", lvl)
	}
	if cfg.AuditLog != "/var/log/warden/audit.log" {
		t.Errorf("AuditLog = %q", cfg.AuditLog)
	}
}

func checkDefaults(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.PollInterval.Duration != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval.Duration, DefaultPollInterval)
	}
	if cfg.GracePeriod.Duration != DefaultGracePeriod {
		t.Errorf("GracePeriod = %v, want %v", cfg.GracePeriod.Duration, DefaultGracePeriod)
	}
	if cfg.IsolationWrapper != DefaultIsolationWrapper {
		t.Errorf("IsolationWrapper = %q, want %q", cfg.IsolationWrapper, DefaultIsolationWrapper)
	}
	if cfg.IdleTimeout.Duration != 0 || cfg.JobTimeout.Duration != 0 {
		t.Errorf("timeouts should default to disabled, got %v/%v", cfg.IdleTimeout.Duration, cfg.JobTimeout.Duration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	checkDefaults(t, cfg)
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkDefaults(t, cfg)
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("idle_timeout: 30m\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IdleTimeout.Duration != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.IdleTimeout.Duration)
	}
	if cfg.IsolationWrapper != DefaultIsolationWrapper {
		t.Errorf("IsolationWrapper = %q, want default", cfg.IsolationWrapper)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `# poll_interval: 1s
# isolation_wrapper: firejail
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkDefaults(t, cfg)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	for _, content := range []string{
		"log_level: loud\n",
		"poll_interval: -1s\n",
		"job_timeout: forever\n",
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}
