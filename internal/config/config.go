// Package config loads gateway configuration from a YAML file, overridable
// by ACTIONGATE_* environment variables, mirroring the env-override
// convention of the control plane binary this module descends from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	ListenAddr         string `yaml:"listen_addr"`
	DataDir            string `yaml:"data_dir"`
	ApprovalSigningKey string `yaml:"approval_signing_key"`

	Store     StoreConfig      `yaml:"store"`
	Audit     AuditConfig      `yaml:"audit"`
	Rules     RulesConfig      `yaml:"rules"`
	Workers   WorkersConfig    `yaml:"workers"`
	Notify    NotifyConfig     `yaml:"notify"`
	Providers []ProviderConfig `yaml:"providers"`
}

// NotifyConfig routes internal lifecycle events (breaker trips, chain
// failures, approval timeouts) to provider channels by severity.
type NotifyConfig struct {
	Info       []string `yaml:"info"`
	Warning    []string `yaml:"warning"`
	Critical   []string `yaml:"critical"`
	MaxPerHour int      `yaml:"max_per_hour"`
}

// StoreConfig selects and configures the State Store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory|redis|postgres|dynamodb|clickhouse
	DSN     string `yaml:"dsn"`
}

// AuditConfig selects and configures the audit sink backend.
type AuditConfig struct {
	Backend         string        `yaml:"backend"` // memory|postgres|clickhouse
	DSN             string        `yaml:"dsn"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
	RedactFields    []string      `yaml:"redact_fields"`
}

// RulesConfig points at the hot-reloadable rule directory.
type RulesConfig struct {
	Directory string `yaml:"directory"`
}

// WorkersConfig configures background worker cadence and concurrency.
type WorkersConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	ChainConcurrency  int           `yaml:"chain_concurrency"`
}

// ProviderConfig configures a single named provider/channel.
type ProviderConfig struct {
	Name             string            `yaml:"name"`
	Type             string            `yaml:"type"` // email|webhook|sms|slack_webhook|slack_bot|telegram|llm|cloud
	Endpoint         string            `yaml:"endpoint"`
	APIKey           string            `yaml:"api_key"`
	FallbackProvider string            `yaml:"fallback_provider"`
	BreakerThreshold int               `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration     `yaml:"breaker_cooldown"`
	DLQEnabled       bool              `yaml:"dlq_enabled"`
	MaxRetries       int               `yaml:"max_retries"`
	TimeoutSeconds   int               `yaml:"timeout_seconds"`
	CustomHeaders    map[string]string `yaml:"custom_headers"`

	// Instance-local dispatch throttles, enforced in front of the
	// breaker/retry loop. Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxPerHour    int `yaml:"max_per_hour"`

	// Channel-specific fields, populated only for the relevant Type.
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	ChatID   string   `yaml:"chat_id"`
	Channel  string   `yaml:"channel"`
	Model    string   `yaml:"model"`
}

// Default returns production-sensible defaults, overridden by file and
// environment in Load.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/actiongate",
		Store:      StoreConfig{Backend: "memory"},
		Audit:      AuditConfig{Backend: "memory", RetentionPeriod: 30 * 24 * time.Hour},
		Rules:      RulesConfig{Directory: "/etc/actiongate/rules"},
		Workers:    WorkersConfig{TickInterval: 30 * time.Second, ChainConcurrency: 64},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies ACTIONGATE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACTIONGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ACTIONGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ACTIONGATE_APPROVAL_SIGNING_KEY"); v != "" {
		cfg.ApprovalSigningKey = v
	}
	if v := os.Getenv("ACTIONGATE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ACTIONGATE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ACTIONGATE_AUDIT_BACKEND"); v != "" {
		cfg.Audit.Backend = v
	}
	if v := os.Getenv("ACTIONGATE_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := os.Getenv("ACTIONGATE_RULES_DIR"); v != "" {
		cfg.Rules.Directory = v
	}
	if v := os.Getenv("ACTIONGATE_WORKERS_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.TickInterval = d
		}
	}
	if v := os.Getenv("ACTIONGATE_WORKERS_CHAIN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.ChainConcurrency = n
		}
	}
}
