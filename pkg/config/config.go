// Package config loads shim configuration from <home>/config.yaml or
// <home>/config.toml, applies environment overrides and fills defaults.
//
// Precedence: environment > config file > defaults. Paths resolve from
// SHIM_HOME (default ~/.shim); SHIM_DB_PATH and SHIM_INBOX override the
// database and inbox locations individually.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"shim/pkg/coordinator"
	"shim/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Dir is the default home directory name under the user's home.
const Dir = protocol.ShimDir

// Environment variables.
const (
	EnvHome       = "SHIM_HOME"
	EnvDBPath     = "SHIM_DB_PATH"
	EnvInbox      = "SHIM_INBOX"
	EnvRouting    = "SHIM_ROUTING"
	EnvMaxRetries = "SHIM_MAX_RETRIES"
)

// Duration is a time.Duration that reads as "1s", "250ms" and so on from
// YAML and TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved shim configuration.
type Config struct {
	// Resolved paths. Home is never read from the file.
	Home     string `yaml:"-" toml:"-"`
	DBPath   string `yaml:"db_path,omitempty" toml:"db_path,omitempty"`
	InboxDir string `yaml:"inbox,omitempty" toml:"inbox,omitempty"`

	MaxRetries                  int      `yaml:"max_retries" toml:"max_retries"`
	RetryBackoff                Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	HeartbeatTimeout            Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	DefaultPriority             int      `yaml:"default_priority" toml:"default_priority"`
	DeadlineEscalationThreshold Duration `yaml:"deadline_escalation_threshold" toml:"deadline_escalation_threshold"`
	EscalationStep              int      `yaml:"escalation_step" toml:"escalation_step"`
	Routing                     string   `yaml:"routing" toml:"routing"`
	TaskTTL                     Duration `yaml:"task_ttl" toml:"task_ttl"`
	SubtaskTTL                  Duration `yaml:"subtask_ttl" toml:"subtask_ttl"`
	LockTTL                     Duration `yaml:"lock_ttl" toml:"lock_ttl"`
	LockTimeout                 Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	SweepInterval               Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	QueueWarningThreshold       int      `yaml:"queue_warning_threshold" toml:"queue_warning_threshold"`
	InboxPollInterval           Duration `yaml:"inbox_poll_interval" toml:"inbox_poll_interval"`
	ShutdownGrace               Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`

	// Source is the config file that was read, empty when none existed.
	Source string `yaml:"-" toml:"-"`
}

// Load resolves home (SHIM_HOME or ~/.shim when empty), reads the config
// file found there, applies environment overrides and defaults, and
// validates the result. A missing config file is not an error.
func Load(home string) (*Config, error) {
	if home == "" {
		h, err := ResolveHome()
		if err != nil {
			return nil, err
		}
		home = h
	}

	cfg := &Config{}
	if err := cfg.readFile(home); err != nil {
		return nil, err
	}
	cfg.Home = home
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveHome returns SHIM_HOME, or ~/.shim when it is unset.
func ResolveHome() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, Dir), nil
}

// readFile decodes config.yaml, config.yml or config.toml from home, in that
// order of preference.
func (c *Config) readFile(home string) error {
	candidates := []struct {
		name   string
		decode func([]byte, any) error
	}{
		{"config.yaml", yaml.Unmarshal},
		{"config.yml", yaml.Unmarshal},
		{"config.toml", toml.Unmarshal},
	}
	for _, cand := range candidates {
		path := filepath.Join(home, cand.name)
		//nolint:gosec // path is built from the configured home directory
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cand.decode(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		c.Source = path
		return nil
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvInbox); v != "" {
		c.InboxDir = v
	}
	if v := os.Getenv(EnvRouting); v != "" {
		c.Routing = v
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvMaxRetries, err)
		}
		c.MaxRetries = n
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.Home, "state.db")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(c.Home, protocol.InboxDir)
	}
	setDefault(&c.MaxRetries, 3)
	setDefault(&c.RetryBackoff, Duration(time.Second))
	setDefault(&c.HeartbeatTimeout, Duration(30*time.Second))
	setDefault(&c.DefaultPriority, 5)
	setDefault(&c.DeadlineEscalationThreshold, Duration(30*time.Second))
	setDefault(&c.EscalationStep, 1)
	if c.Routing == "" {
		c.Routing = string(coordinator.CapabilityBased)
	}
	setDefault(&c.TaskTTL, Duration(24*time.Hour))
	setDefault(&c.SubtaskTTL, Duration(time.Hour))
	setDefault(&c.LockTTL, Duration(30*time.Second))
	setDefault(&c.LockTimeout, Duration(5*time.Second))
	setDefault(&c.SweepInterval, Duration(10*time.Second))
	setDefault(&c.QueueWarningThreshold, 10)
	setDefault(&c.InboxPollInterval, Duration(2*time.Second))
	setDefault(&c.ShutdownGrace, Duration(30*time.Second))
}

func setDefault[T int | Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	if _, err := coordinator.NewRouter(coordinator.Strategy(c.Routing)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Coordinator maps c onto coordinator.Config.
func (c *Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		MaxRetries:                  c.MaxRetries,
		RetryBackoff:                c.RetryBackoff.Std(),
		DefaultPriority:             c.DefaultPriority,
		DeadlineEscalationThreshold: c.DeadlineEscalationThreshold.Std(),
		EscalationStep:              c.EscalationStep,
		Routing:                     coordinator.Strategy(c.Routing),
		TaskTTL:                     c.TaskTTL.Std(),
		SubtaskTTL:                  c.SubtaskTTL.Std(),
		LockTTL:                     c.LockTTL.Std(),
		LockTimeout:                 c.LockTimeout.Std(),
		SweepInterval:               c.SweepInterval.Std(),
		QueueWarningThreshold:       c.QueueWarningThreshold,
	}
}

// YAML renders c as YAML, for `shim config`.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
