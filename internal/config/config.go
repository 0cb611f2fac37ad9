package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benaskins/warden/internal/spec"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left unset.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultGracePeriod      = 3 * time.Second
	DefaultIsolationWrapper = "bwrap"
)

// Config holds persistent configuration loaded from ~/.warden/config.yaml.
// Job specs override the timeouts and the wrapper per job.
type Config struct {
	PollInterval     spec.Duration `yaml:"poll_interval"`
	GracePeriod      spec.Duration `yaml:"grace_period"`
	IsolationWrapper string        `yaml:"isolation_wrapper"`
	WorkRoot         string        `yaml:"work_root"`
	IdleTimeout      spec.Duration `yaml:"idle_timeout"`
	JobTimeout       spec.Duration `yaml:"job_timeout"`
	LogLevel         string        `yaml:"log_level"`
	AuditLog         string        `yaml:"audit_log"`
}

// Dir returns the warden state directory: ~/.warden.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".warden")
}

// DefaultPath returns the default config file path: ~/.warden/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns a defaulted Config and no error. An empty or all-comment file
// behaves the same way.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval.Duration == 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if c.GracePeriod.Duration == 0 {
		c.GracePeriod.Duration = DefaultGracePeriod
	}
	if c.IsolationWrapper == "" {
		c.IsolationWrapper = DefaultIsolationWrapper
	}
	if c.WorkRoot == "" {
		if dir := Dir(); dir != "" {
			c.WorkRoot = filepath.Join(dir, "jobs")
		}
	}
	if c.AuditLog == "" {
		if dir := Dir(); dir != "" {
			c.AuditLog = filepath.Join(dir, "audit.log")
		}
	}
}

func (c *Config) validate() error {
	for name, d := range map[string]time.Duration{
		"poll_interval": c.PollInterval.Duration,
		"grace_period":  c.GracePeriod.Duration,
		"idle_timeout":  c.IdleTimeout.Duration,
		"job_timeout":   c.JobTimeout.Duration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel; empty means info.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q is invalid", c.LogLevel)
	}
	return lvl, nil
}
