// config loads the worker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/snapship/snapship/internal/retry"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals YAML strings like "30s" or "6h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the worker's configuration file.
type Config struct {
	// Region the worker and the source images live in.
	Region string `yaml:"region"`

	// Action identifies the custom pipeline action to poll for.
	Action ActionConfig `yaml:"action"`

	// PollInterval is the pause between job polls.
	PollInterval Duration `yaml:"poll_interval"`

	// WaitInterval is the pause between snapshot progress checks.
	WaitInterval Duration `yaml:"wait_interval"`

	// MaxPollDuration bounds how long one execution polls a copy
	// before giving up.
	MaxPollDuration Duration `yaml:"max_poll_duration"`

	// DrainGrace bounds how long shutdown waits for running
	// executions.
	DrainGrace Duration `yaml:"drain_grace"`

	Retry      RetryConfig      `yaml:"retry"`
	Encryption EncryptionConfig `yaml:"encryption"`

	// HistoryPath is the bbolt file executions record transitions to.
	// Empty disables history.
	HistoryPath string `yaml:"history_path"`

	// MetricsListen is the address the Prometheus endpoint serves on.
	// Empty disables metrics.
	MetricsListen string `yaml:"metrics_listen"`

	// LogsDir captures a log file per execution under <dir>/<jobID>/.
	// Empty disables capture.
	LogsDir string `yaml:"logs_dir"`
}

type ActionConfig struct {
	Category string `yaml:"category"`
	Provider string `yaml:"provider"`
	Version  string `yaml:"version"`
}

type RetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval"`
	BackoffRate     float64  `yaml:"backoff_rate"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

type EncryptionConfig struct {
	// KeyAlias names the replication key in every account involved.
	KeyAlias string `yaml:"key_alias"`

	// TargetAccounts get key use granted at startup.
	TargetAccounts []string `yaml:"target_accounts"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Action.Category == "" {
		c.Action.Category = "Invoke"
	}
	if c.Action.Version == "" {
		c.Action.Version = "1"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(30 * time.Second)
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = Duration(30 * time.Second)
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = Duration(6 * time.Hour)
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = Duration(10 * time.Minute)
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = Duration(retry.DefaultPolicy.InitialInterval)
	}
	if c.Retry.BackoffRate <= 0 {
		c.Retry.BackoffRate = retry.DefaultPolicy.BackoffRate
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = retry.DefaultPolicy.MaxAttempts
	}
}

func (c *Config) validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Action.Provider == "" {
		return fmt.Errorf("action provider is required")
	}
	if c.Encryption.KeyAlias == "" {
		return fmt.Errorf("encryption key alias is required")
	}
	for _, account := range c.Encryption.TargetAccounts {
		if len(account) != 12 {
			return fmt.Errorf("target account %q is not a 12 digit account number", account)
		}
	}
	return nil
}

// RetryPolicy renders the retry section as the policy every workflow
// step runs under.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Retryable:       retry.DefaultPolicy.Retryable,
		InitialInterval: time.Duration(c.Retry.InitialInterval),
		BackoffRate:     c.Retry.BackoffRate,
		MaxAttempts:     c.Retry.MaxAttempts,
	}
}
