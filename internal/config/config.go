// ABOUTME: Configuration loading and parsing for loomd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loomd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agents    AgentsConfig    `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds retry and timing configuration for the task scheduler.
// The defaults are a baseline, not load-bearing constants.
type SchedulerConfig struct {
	MaxRetries int `yaml:"max_retries"`

	SweepInterval     time.Duration `yaml:"-"`
	BackoffBase       time.Duration `yaml:"-"`
	MaxTaskDuration   time.Duration `yaml:"-"`
	CancelGracePeriod time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw     string `yaml:"sweep_interval"`
	BackoffBaseRaw       string `yaml:"backoff_base"`
	MaxTaskDurationRaw   string `yaml:"max_task_duration"`
	CancelGracePeriodRaw string `yaml:"cancel_grace_period"`
}

// AgentsConfig holds agent registry configuration and statically
// registered agents.
type AgentsConfig struct {
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	Static                []StaticAgent `yaml:"static"`
}

// StaticAgent declares an agent registered at process start
type StaticAgent struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Capabilities   []string `yaml:"capabilities"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with baseline defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8080"},
		Database: DatabaseConfig{Path: "data/loom.db"},
		Scheduler: SchedulerConfig{
			MaxRetries:        3,
			SweepInterval:     500 * time.Millisecond,
			BackoffBase:       time.Second,
			MaxTaskDuration:   30 * time.Second,
			CancelGracePeriod: 5 * time.Second,
		},
		Agents: AgentsConfig{
			DefaultMaxConcurrency: 1,
			FailureThreshold:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields left empty fall back to the defaults from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if c.Agents.FailureThreshold < 1 {
		return fmt.Errorf("agents.failure_threshold must be at least 1")
	}
	for i, a := range c.Agents.Static {
		if a.Name == "" {
			return fmt.Errorf("agents.static[%d].name is required", i)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Scheduler.SweepIntervalRaw, "sweep_interval", &cfg.Scheduler.SweepInterval},
		{cfg.Scheduler.BackoffBaseRaw, "backoff_base", &cfg.Scheduler.BackoffBase},
		{cfg.Scheduler.MaxTaskDurationRaw, "max_task_duration", &cfg.Scheduler.MaxTaskDuration},
		{cfg.Scheduler.CancelGracePeriodRaw, "cancel_grace_period", &cfg.Scheduler.CancelGracePeriod},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults backfills zero values that yaml may have clobbered
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Scheduler.SweepInterval <= 0 {
		cfg.Scheduler.SweepInterval = def.Scheduler.SweepInterval
	}
	if cfg.Scheduler.BackoffBase <= 0 {
		cfg.Scheduler.BackoffBase = def.Scheduler.BackoffBase
	}
	if cfg.Scheduler.MaxTaskDuration <= 0 {
		cfg.Scheduler.MaxTaskDuration = def.Scheduler.MaxTaskDuration
	}
	if cfg.Scheduler.CancelGracePeriod <= 0 {
		cfg.Scheduler.CancelGracePeriod = def.Scheduler.CancelGracePeriod
	}
	if cfg.Agents.DefaultMaxConcurrency <= 0 {
		cfg.Agents.DefaultMaxConcurrency = def.Agents.DefaultMaxConcurrency
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	// Same defaulting the registration API applies, so a name-only static
	// agent registers cleanly at startup
	for i := range cfg.Agents.Static {
		if cfg.Agents.Static[i].ID == "" {
			cfg.Agents.Static[i].ID = cfg.Agents.Static[i].Name
		}
	}
}
