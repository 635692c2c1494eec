package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/socialdash/autopost/pkg/logger"
)

const DefaultWebhookURL = "https://automation.socialdash.app/webhook/sheet-status"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Media     MediaConfig     `yaml:"media"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type          string `yaml:"type"` // postgres, sqlite, memory
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	SSLMode       string `yaml:"ssl_mode"`
	TimeZone      string `yaml:"timezone"`
	Path          string `yaml:"path"`           // sqlite file
	WatchInterval string `yaml:"watch_interval"` // re-query period when the engine cannot push changes
}

// DSN returns the Postgres connection string, usable by both gorm and pgx
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		c.Host, c.Username, c.Password, c.Database, c.Port, c.SSLMode, c.TimeZone)
}

type SchedulerConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	Interval      string   `yaml:"interval"`
	SweepInterval string   `yaml:"sweep_interval"`
	StuckAfter    string   `yaml:"stuck_after"`
	UserIDs       []string `yaml:"user_ids"`
}

func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type WebhookConfig struct {
	URL      string `yaml:"url"`
	Secret   string `yaml:"secret"`
	StubMode bool   `yaml:"stub_mode"`
	Timeout  string `yaml:"timeout"` // empty or 0 keeps the HTTP client default
}

type MediaConfig struct {
	Timeout  string `yaml:"timeout"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "autopost.db"
	}
	if cfg.Database.WatchInterval == "" {
		cfg.Database.WatchInterval = "5s"
	}
	if cfg.Scheduler.Interval == "" {
		cfg.Scheduler.Interval = "60s"
	}
	if cfg.Scheduler.SweepInterval == "" {
		cfg.Scheduler.SweepInterval = "5m"
	}
	if cfg.Scheduler.StuckAfter == "" {
		cfg.Scheduler.StuckAfter = "15m"
	}
	if cfg.Scheduler.Enabled == nil {
		enabled := true
		cfg.Scheduler.Enabled = &enabled
	}
	if cfg.Webhook.URL == "" {
		cfg.Webhook.URL = DefaultWebhookURL
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "posts:status"
	}
}

// Validate checks the settings defaults cannot fix
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	durations := map[string]string{
		"database.watch_interval":  c.Database.WatchInterval,
		"scheduler.interval":       c.Scheduler.Interval,
		"scheduler.sweep_interval": c.Scheduler.SweepInterval,
		"scheduler.stuck_after":    c.Scheduler.StuckAfter,
		"webhook.timeout":          c.Webhook.Timeout,
		"media.timeout":            c.Media.Timeout,
	}
	for key, value := range durations {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	// cron's @every rounds anything shorter up to a second
	if d, _ := ParseDuration(c.Scheduler.Interval); d < time.Second {
		return fmt.Errorf("scheduler.interval must be at least 1s, got %q", c.Scheduler.Interval)
	}
	return nil
}

// ParseDuration treats the empty string as zero
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// MustDuration is for values already checked by Validate
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
