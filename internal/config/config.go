package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "upgrade.yml"

	MaxMembers                  = 10
	DefaultTimelock             = 48 * time.Hour
	DefaultMaxDescriptionLength = 500
	DefaultItemDelay            = 100 * time.Millisecond
	DefaultMonitorSchedule      = "@every 1m"
	DefaultSourceVersion        = 1
	DefaultTargetVersion        = 2
)

// Config models upgrade.yml.
type Config struct {
	Membership struct {
		Members   []string `yaml:"members" json:"members"`
		Threshold int      `yaml:"threshold" json:"threshold"`
	} `yaml:"membership" json:"membership"`
	Timelock struct {
		Duration        time.Duration `yaml:"duration" json:"duration"`
		MonitorSchedule string        `yaml:"monitor_schedule" json:"monitor_schedule"`
	} `yaml:"timelock" json:"timelock"`
	Proposals struct {
		MaxDescriptionLength int `yaml:"max_description_length" json:"max_description_length"`
	} `yaml:"proposals" json:"proposals"`
	Migration MigrationConfig `yaml:"migration" json:"migration"`
	Rollback  struct {
		MaxFailureRate float64 `yaml:"max_failure_rate" json:"max_failure_rate"`
		MinSamples     int     `yaml:"min_samples" json:"min_samples"`
	} `yaml:"rollback" json:"rollback"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type MigrationConfig struct {
	ItemDelay     time.Duration `yaml:"item_delay" json:"item_delay"`
	Endpoint      string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	SourceVersion int           `yaml:"source_version" json:"source_version"`
	TargetVersion int           `yaml:"target_version" json:"target_version"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".upgrade", FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("config %s not found; run upg init --member <id>", path)
		}
		return nil, err
	}
	return cfg, nil
}

// FromFile parses and validates a config file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config YAML on top of defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg as YAML in the workspace.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns a config with built-in limits and no members.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Membership.Members) == 0 {
		return errors.New("config.membership.members is required")
	}
	if len(c.Membership.Members) > MaxMembers {
		return errors.Newf("config.membership.members has %d entries; at most %d allowed", len(c.Membership.Members), MaxMembers)
	}
	seen := make(map[string]struct{}, len(c.Membership.Members))
	for _, m := range c.Membership.Members {
		if strings.TrimSpace(m) == "" {
			return errors.New("config.membership.members contains an empty principal")
		}
		if _, ok := seen[m]; ok {
			return errors.Newf("config.membership.members lists %s twice", m)
		}
		seen[m] = struct{}{}
	}
	if c.Membership.Threshold < 1 || c.Membership.Threshold > len(c.Membership.Members) {
		return errors.Newf("config.membership.threshold must be between 1 and %d", len(c.Membership.Members))
	}
	if c.Timelock.Duration <= 0 {
		return errors.New("config.timelock.duration must be positive")
	}
	if c.Timelock.Duration%time.Second != 0 {
		return errors.New("config.timelock.duration must be whole seconds")
	}
	if strings.TrimSpace(c.Timelock.MonitorSchedule) == "" {
		return errors.New("config.timelock.monitor_schedule is required")
	}
	if c.Proposals.MaxDescriptionLength <= 0 {
		return errors.New("config.proposals.max_description_length must be positive")
	}
	if c.Migration.ItemDelay < 0 {
		return errors.New("config.migration.item_delay must not be negative")
	}
	if c.Migration.Timeout < 0 {
		return errors.New("config.migration.timeout must not be negative")
	}
	if c.Rollback.MaxFailureRate < 0 || c.Rollback.MaxFailureRate > 1 {
		return errors.New("config.rollback.max_failure_rate must be within [0,1]")
	}
	if c.Rollback.MinSamples < 0 {
		return errors.New("config.rollback.min_samples must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return errors.Newf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

const defaultTemplate = `
membership:
  members: []
  threshold: 0

timelock:
  duration: 48h
  monitor_schedule: "@every 1m"

proposals:
  max_description_length: 500

migration:
  item_delay: 100ms
  timeout: 10s
  source_version: 1
  target_version: 2

rollback:
  max_failure_rate: 0.25
  min_samples: 10
`
