// Package config loads and watches the imgfetchd configuration.
//
// The file is YAML; a handful of environment variables override it so the
// daemon can be tuned per-deployment without editing the file (the usual
// container workflow). Missing file means pure defaults + env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`

	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	Log       Log       `yaml:"log"`
	Notify    Notify    `yaml:"notify"`
	Docker    Docker    `yaml:"docker"`
}

type Database struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// Scheduler holds the dispatch-loop and admission-gate tunables.
//
// MaxConcurrentPulls is the global permit count G; PerRegistryMax is the
// per-destination-key permit count P. Acquire order is global-then-per-key:
// a task waiting for its registry slot keeps its global permit. That trades
// some cross-registry fairness for a much simpler gate; raise G if one slow
// registry ends up pinning too much of the global budget.
type Scheduler struct {
	MaxConcurrentPulls int     `yaml:"max_concurrent_pulls"`
	PerRegistryMax     int     `yaml:"per_registry_max"`
	LeaseSeconds       int     `yaml:"lease_seconds"`
	MaxAttempts        int     `yaml:"max_attempts"`
	IdleDelayMS        int     `yaml:"idle_delay_ms"`
	ErrorDelayMS       int     `yaml:"error_delay_ms"`
	ClaimRatePerSec    float64 `yaml:"claim_rate_per_sec"`

	// SweepSpec is a robfig/cron spec or descriptor ("@every 30s").
	SweepSpec string `yaml:"sweep_spec"`

	MetricsRetentionDays int `yaml:"metrics_retention_days"`
}

type Log struct {
	Level   string  `yaml:"level"`
	Console *bool   `yaml:"console"`
	File    LogFile `yaml:"file"`
}

type LogFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Notify configures the optional Telegram failure alerter.
type Notify struct {
	Enabled    bool   `yaml:"enabled"`
	Token      string `yaml:"token"`
	ChatID     int64  `yaml:"chat_id"`
	RatePerMin int    `yaml:"rate_per_min"`
}

type Docker struct {
	// Host is the daemon endpoint. Only unix:// sockets are supported.
	Host string `yaml:"host"`
}

func Default() *Config {
	console := true
	return &Config{
		Env:  "development",
		Port: 8080,
		Database: Database{
			Path:          "data/imgfetchd.db",
			BusyTimeoutMS: 5000,
		},
		Scheduler: Scheduler{
			MaxConcurrentPulls:   5,
			PerRegistryMax:       2,
			LeaseSeconds:         300,
			MaxAttempts:          3,
			IdleDelayMS:          500,
			ErrorDelayMS:         1000,
			ClaimRatePerSec:      20,
			SweepSpec:            "@every 30s",
			MetricsRetentionDays: 0,
		},
		Log: Log{
			Level:   "info",
			Console: &console,
		},
		Notify: Notify{RatePerMin: 6},
		Docker: Docker{Host: "unix:///var/run/docker.sock"},
	}
}

// Load reads path (if it exists), layers env overrides on top of defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults + env only.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	if v, ok := envInt("APP_PORT"); ok {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v, ok := envInt("MAX_CONCURRENT_PULLS"); ok {
		cfg.Scheduler.MaxConcurrentPulls = v
	}
	if v, ok := envInt("PER_REGISTRY_MAX"); ok {
		cfg.Scheduler.PerRegistryMax = v
	}
	if v, ok := envInt("LEASE_SECONDS"); ok {
		cfg.Scheduler.LeaseSeconds = v
	}
	if v, ok := envInt("MAX_ATTEMPTS"); ok {
		cfg.Scheduler.MaxAttempts = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Token = v
		cfg.Notify.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.ChatID = id
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if len(strings.TrimSpace(c.Env)) < 3 {
		return fmt.Errorf("config: env must be at least 3 characters")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range 1-65535", c.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("config: database.path is required")
	}
	s := c.Scheduler
	if s.MaxConcurrentPulls < 1 || s.MaxConcurrentPulls > 64 {
		return fmt.Errorf("config: max_concurrent_pulls %d out of range 1-64", s.MaxConcurrentPulls)
	}
	if s.PerRegistryMax < 1 || s.PerRegistryMax > 64 {
		return fmt.Errorf("config: per_registry_max %d out of range 1-64", s.PerRegistryMax)
	}
	if s.LeaseSeconds < 1 {
		return fmt.Errorf("config: lease_seconds must be >= 1")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be >= 1")
	}
	if s.ClaimRatePerSec <= 0 {
		return fmt.Errorf("config: claim_rate_per_sec must be > 0")
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Token) == "" {
		return fmt.Errorf("config: notify.token is required when notify.enabled")
	}
	if c.Notify.Enabled && c.Notify.ChatID == 0 {
		return fmt.Errorf("config: notify.chat_id is required when notify.enabled")
	}
	if !strings.HasPrefix(c.Docker.Host, "unix://") {
		return fmt.Errorf("config: docker.host must be a unix:// socket")
	}
	return nil
}

// ---- typed accessors ----

func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Database.BusyTimeoutMS) * time.Millisecond
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.Scheduler.LeaseSeconds) * time.Second
}

func (c *Config) IdleDelay() time.Duration {
	if c.Scheduler.IdleDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Scheduler.IdleDelayMS) * time.Millisecond
}

func (c *Config) ErrorDelay() time.Duration {
	if c.Scheduler.ErrorDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Scheduler.ErrorDelayMS) * time.Millisecond
}

func (c *Config) ConsoleLog() bool {
	return c.Log.Console == nil || *c.Log.Console
}
