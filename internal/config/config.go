// Package config provides YAML-based configuration loading for Logbook.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Logbook configuration, loaded from config.yaml.
type Config struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	GitHub  GitHubConfig  `yaml:"github"`
	DB      DBConfig      `yaml:"db"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Server  ServerConfig  `yaml:"server"`
	Events  EventsConfig  `yaml:"events"`
}

// SlackConfig holds Slack API credentials. SigningSecret is required only
// when the webhook server is running.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
}

// DiscordConfig holds the Discord bot token. Optional; only needed when a
// mapping targets a Discord channel.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// GitHubConfig holds the token used for commit operations.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	CommitterName string `yaml:"committer_name"`
	CommitterMail string `yaml:"committer_email"`
}

// DBConfig selects the ledger database. Driver is "sqlite" or "mysql".
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SweepConfig controls the scheduled reconciliation sweep.
type SweepConfig struct {
	Cron          string `yaml:"cron"`            // 5-field cron expression
	Parallelism   int    `yaml:"parallelism"`     // concurrent mapping runs
	RunTimeoutSec int    `yaml:"run_timeout_sec"` // wall-clock budget per mapping
	PageSize      int    `yaml:"page_size"`       // history fetch page size
}

// ServerConfig controls the webhook/observability HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EventsConfig controls webhook-event audit retention.
type EventsConfig struct {
	RetentionHours int `yaml:"retention_hours"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "logbook.db"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "logbook"
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.Sweep.Cron == "" {
		c.Sweep.Cron = "*/5 * * * *"
	}
	if c.Sweep.Parallelism == 0 {
		c.Sweep.Parallelism = 4
	}
	if c.Sweep.RunTimeoutSec == 0 {
		c.Sweep.RunTimeoutSec = 120
	}
	if c.Sweep.PageSize == 0 {
		c.Sweep.PageSize = 200
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Events.RetentionHours == 0 {
		c.Events.RetentionHours = 168 // one week
	}
	if c.GitHub.CommitterName == "" {
		c.GitHub.CommitterName = "logbook"
	}
	if c.GitHub.CommitterMail == "" {
		c.GitHub.CommitterMail = "logbook@localhost"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.GitHub.Token == "" {
		errs = append(errs, "github.token is required")
	}
	if c.Slack.BotToken == "" && c.Discord.BotToken == "" {
		errs = append(errs, "at least one of slack.bot_token or discord.bot_token is required")
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if c.Sweep.Parallelism < 1 {
		errs = append(errs, "sweep.parallelism must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
