// Package config loads judgesync settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable that points at an optional YAML config file.
const FileEnv = "JUDGESYNC_CONFIG"

// Config holds every setting of the binary.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	Port     string `env:"PORT" envDefault:"8080" yaml:"port"`
	EventID  string `env:"JUDGESYNC_EVENT_ID" envDefault:"demo-event" yaml:"event_id"`
	JudgeID  string `env:"JUDGESYNC_JUDGE_ID" yaml:"judge_id"`

	// LocalStorePath is the SQLite file backing local storage. Empty keeps
	// everything in memory.
	LocalStorePath string `env:"LOCAL_STORE_PATH" envDefault:"judgesync.db" yaml:"local_store_path"`

	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Display  DisplayConfig  `yaml:"display"`
	Sync     SyncConfig     `yaml:"sync"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Enabled       bool   `env:"DB_ENABLED" envDefault:"true" yaml:"enabled"`
	Host          string `env:"DB_HOST" envDefault:"localhost" yaml:"host"`
	Port          int    `env:"DB_PORT" envDefault:"5432" yaml:"port"`
	User          string `env:"DB_USER" envDefault:"postgres" yaml:"user"`
	Password      string `env:"DB_PASSWORD" envDefault:"postgres" yaml:"password"`
	Name          string `env:"DB_NAME" envDefault:"judgesync" yaml:"name"`
	SSLMode       string `env:"DB_SSLMODE" envDefault:"disable" yaml:"sslmode"`
	NotifyChannel string `env:"DB_NOTIFY_CHANNEL" envDefault:"judgesync_changes" yaml:"notify_channel"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// NATSConfig selects the change bus. An empty URL keeps notifications
// in-process.
type NATSConfig struct {
	URL           string `env:"NATS_URL" yaml:"url"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"judgesync.changes" yaml:"subject_prefix"`
}

type AuthConfig struct {
	BaseURL    string        `env:"AUTH_BASE_URL" yaml:"base_url"`
	APIKey     string        `env:"AUTH_API_KEY" yaml:"api_key"`
	RedirectTo string        `env:"AUTH_REDIRECT_TO" yaml:"redirect_to"`
	Timeout    time.Duration `env:"AUTH_TIMEOUT" envDefault:"30s" yaml:"timeout"`
}

type DisplayConfig struct {
	BaseURL         string        `env:"DISPLAY_BASE_URL" envDefault:"http://localhost:8080" yaml:"base_url"`
	ShareLinkTTL    time.Duration `env:"SHARE_LINK_TTL" envDefault:"12h" yaml:"share_link_ttl"`
	AllowDemoTokens bool          `env:"DISPLAY_ALLOW_DEMO_TOKENS" envDefault:"true" yaml:"allow_demo_tokens"`
	ControlOwner    string        `env:"TIMER_CONTROL_OWNER" yaml:"control_owner"`
}

// SyncConfig tunes the caches and the timer engine.
type SyncConfig struct {
	PollInterval         time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"30s" yaml:"poll_interval"`
	StaleAfter           time.Duration `env:"SYNC_STALE_AFTER" envDefault:"2m" yaml:"stale_after"`
	TimerPollInterval    time.Duration `env:"TIMER_POLL_INTERVAL" envDefault:"15s" yaml:"timer_poll_interval"`
	TickInterval         time.Duration `env:"TIMER_TICK_INTERVAL" envDefault:"250ms" yaml:"tick_interval"`
	DriftTolerance       time.Duration `env:"TIMER_DRIFT_TOLERANCE" envDefault:"400ms" yaml:"drift_tolerance"`
	DriftRefreshCooldown time.Duration `env:"TIMER_DRIFT_COOLDOWN" envDefault:"5s" yaml:"drift_refresh_cooldown"`
}

// Load parses the environment, then overlays the YAML file at path when one
// is given. Values in the file win over the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv loads the config file named by JUDGESYNC_CONFIG, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv(FileEnv))
}

func (c *Config) Validate() error {
	var errs []error
	if c.EventID == "" {
		errs = append(errs, errors.New("event id is required"))
	}
	if c.Sync.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.Sync.DriftTolerance < 0 {
		errs = append(errs, errors.New("drift tolerance must not be negative"))
	}
	if c.Display.ShareLinkTTL <= 0 {
		errs = append(errs, errors.New("share link ttl must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
