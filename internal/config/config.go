// Package config loads the service's YAML configuration file and overlays
// environment variables, the same two-stage approach the teacher's
// internal/config package tests exercise (Load / DefaultConfig / LoadFromEnv).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	ControlPort string `yaml:"control_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// SchedulerConfig holds the deadlines and retry cap named in spec.md §4.1/§6.
type SchedulerConfig struct {
	CodeStageTimeout time.Duration `yaml:"code_stage_timeout"`
	CodeRunTimeout   time.Duration `yaml:"code_run_timeout"`
	SaaSStageTimeout time.Duration `yaml:"saas_stage_timeout"`
	SaaSRunTimeout   time.Duration `yaml:"saas_run_timeout"`
	MaxRetry         int           `yaml:"max_retry"`
	FixWindow        int           `yaml:"fix_window"`
}

// SandboxConfig holds the resource caps from spec.md §4.2.
type SandboxConfig struct {
	Image          string `yaml:"image"`
	MemoryMB       int64  `yaml:"memory_mb"`
	CPUShare       float64 `yaml:"cpu_share"`
	MaxProcesses   int64  `yaml:"max_processes"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
}

type GuardrailConfig struct {
	MaxLinesPerPush int     `yaml:"max_lines_per_push"`
	EntropyBits     float64 `yaml:"entropy_bits"`
	EntropyMinLen   int     `yaml:"entropy_min_len"`
}

// CredentialConfig holds the refresh loop parameters from spec.md §4.4.
type CredentialConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshBuffer   time.Duration `yaml:"refresh_buffer"`
	EncryptionKeyEnv string       `yaml:"encryption_key_env"`
}

type TaskConfig struct {
	MaxOperationsPerTask int `yaml:"max_operations_per_task"`
	RuleThreshold        int `yaml:"rule_threshold"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

type RulesConfig struct {
	Directory string `yaml:"directory"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Guardrails  GuardrailConfig   `yaml:"guardrails"`
	Credentials CredentialConfig  `yaml:"credentials"`
	Tasks       TaskConfig        `yaml:"tasks"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Rules       RulesConfig       `yaml:"rules"`
}

// DefaultConfig returns the values named throughout spec.md (§4.1, §4.2,
// §4.4, §4.7, §6) so that a config file only needs to override what it cares
// about.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			ControlPort: "8090",
			MetricsPort: "9090",
		},
		Scheduler: SchedulerConfig{
			CodeStageTimeout: 180 * time.Second,
			CodeRunTimeout:   600 * time.Second,
			SaaSStageTimeout: 300 * time.Second,
			SaaSRunTimeout:   600 * time.Second,
			MaxRetry:         3,
			FixWindow:        10,
		},
		Sandbox: SandboxConfig{
			Image:          "silexa/sandbox-base:latest",
			MemoryMB:       512,
			CPUShare:       1.0,
			MaxProcesses:   256,
			MaxOutputBytes: 50_000,
		},
		Guardrails: GuardrailConfig{
			MaxLinesPerPush: 200,
			EntropyBits:     4.0,
			EntropyMinLen:   24,
		},
		Credentials: CredentialConfig{
			RefreshInterval:  900 * time.Second,
			RefreshBuffer:    300 * time.Second,
			EncryptionKeyEnv: "TOKEN_ENCRYPTION_KEY",
		},
		Tasks: TaskConfig{
			MaxOperationsPerTask: 10,
			RuleThreshold:        3,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "orchestrator",
			Database:        "orchestrator",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{
			Directory: "./rules",
		},
	}
}

// Load reads a YAML file at path, overlaying it on top of DefaultConfig, then
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.MaxRetry < 0 {
		return fmt.Errorf("scheduler.max_retry must be >= 0")
	}
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be > 0")
	}
	if c.Tasks.MaxOperationsPerTask <= 0 {
		return fmt.Errorf("tasks.max_operations_per_task must be > 0")
	}
	if c.Credentials.RefreshBuffer <= 0 {
		return fmt.Errorf("credentials.refresh_buffer must be > 0")
	}
	return nil
}

// LoadFromEnv overlays a handful of well-known environment variables onto an
// existing config, mirroring the DB_* overlay the teacher's internal/database
// package supports, extended to the pieces of this config env-tunable in
// production (secrets should never live in the YAML file).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Database.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
