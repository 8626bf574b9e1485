package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Platform  PlatformConfig  `yaml:"platform"`
	Collector CollectorConfig `yaml:"collector"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Locks     LocksConfig     `yaml:"locks"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Registry  RegistryConfig  `yaml:"registry"`
	Query     QueryConfig     `yaml:"query"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// PlatformConfig selects and configures the messaging-platform client.
type PlatformConfig struct {
	Kind            string  `yaml:"kind"` // "gateway" or "feed"
	BaseURL         string  `yaml:"base_url"`
	Token           string  `yaml:"token"`
	SessionPath     string  `yaml:"session_path"` // file holding the gateway session token
	RPS             float64 `yaml:"rps"`
	Burst           int     `yaml:"burst"`
	Timeout         string  `yaml:"timeout"`
	FeedURLTemplate string  `yaml:"feed_url_template"` // %s is replaced by the channel username
}

// ParseTimeout returns the per-request platform timeout.
func (p PlatformConfig) ParseTimeout() time.Duration {
	return parseDuration(p.Timeout, 30*time.Second)
}

// CollectorConfig bounds collection jobs.
type CollectorConfig struct {
	PageSize          int    `yaml:"page_size"`
	DefaultLimit      int    `yaml:"default_limit"`
	MaxLimit          int    `yaml:"max_limit"`
	CommentPageSize   int    `yaml:"comment_page_size"`
	MaxRateLimitWaits int    `yaml:"max_rate_limit_waits"`
	MaxFloodWait      string `yaml:"max_flood_wait"`
}

// ParseMaxFloodWait returns the longest single rate-limit pause.
func (c CollectorConfig) ParseMaxFloodWait() time.Duration {
	return parseDuration(c.MaxFloodWait, 10*time.Minute)
}

// AnalysisConfig configures the LLM backend and retry policy.
type AnalysisConfig struct {
	Provider       string `yaml:"provider"` // "openai", "anthropic" or "gemini"
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"` // custom endpoint (openai only)
	Timeout        string `yaml:"timeout"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseBackoff    string `yaml:"base_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	MaxPromptChars int    `yaml:"max_prompt_chars"`
	MaxComments    int    `yaml:"max_comments"`
	Auto           bool   `yaml:"auto"`        // sweep un-analyzed posts on schedule
	SweepBatch     int    `yaml:"sweep_batch"` // posts requested per sweep
}

func (a AnalysisConfig) ParseTimeout() time.Duration {
	return parseDuration(a.Timeout, 60*time.Second)
}

func (a AnalysisConfig) ParseBaseBackoff() time.Duration {
	return parseDuration(a.BaseBackoff, 2*time.Second)
}

func (a AnalysisConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(a.MaxBackoff, time.Minute)
}

// JobsConfig sizes the worker pool.
type JobsConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	LeaseTTL  string `yaml:"lease_ttl"`
	Retention string `yaml:"retention"`
}

func (j JobsConfig) ParseLeaseTTL() time.Duration {
	return parseDuration(j.LeaseTTL, time.Minute)
}

func (j JobsConfig) ParseRetention() time.Duration {
	return parseDuration(j.Retention, 30*time.Minute)
}

// LocksConfig selects where per-target job leases live.
type LocksConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "postgres"
	PostgresURL string `yaml:"postgres_url"`
}

// ScheduleConfig holds cron specs for periodic work. Empty disables an entry.
type ScheduleConfig struct {
	CollectCron  string `yaml:"collect_cron"`
	AnalysisCron string `yaml:"analysis_cron"`
	RunTimeout   string `yaml:"run_timeout"`
}

func (s ScheduleConfig) ParseRunTimeout() time.Duration {
	return parseDuration(s.RunTimeout, 10*time.Minute)
}

// RegistryConfig configures channel registration.
type RegistryConfig struct {
	CollectOnAdd bool `yaml:"collect_on_add"`
}

// QueryConfig bounds read queries.
type QueryConfig struct {
	MaxWindowDays int `yaml:"max_window_days"`
}

// AlertsConfig configures job-failure destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./insightradar.db"},
		Log:      LogConfig{Level: "info"},
		Server:   ServerConfig{Port: 8080},
		Platform: PlatformConfig{
			Kind:            "gateway",
			BaseURL:         "http://localhost:8090",
			RPS:             2,
			Burst:           5,
			Timeout:         "30s",
			FeedURLTemplate: "https://rsshub.app/telegram/channel/%s",
		},
		Collector: CollectorConfig{
			PageSize:          50,
			DefaultLimit:      50,
			MaxLimit:          5000,
			CommentPageSize:   100,
			MaxRateLimitWaits: 5,
			MaxFloodWait:      "10m",
		},
		Analysis: AnalysisConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			Timeout:        "60s",
			MaxAttempts:    4,
			BaseBackoff:    "2s",
			MaxBackoff:     "1m",
			MaxPromptChars: 3800,
			MaxComments:    50,
			SweepBatch:     20,
		},
		Jobs: JobsConfig{
			Workers:   4,
			QueueSize: 64,
			LeaseTTL:  "1m",
			Retention: "30m",
		},
		Locks: LocksConfig{Backend: "memory"},
		Schedule: ScheduleConfig{
			CollectCron:  "*/30 * * * *",
			AnalysisCron: "*/10 * * * *",
			RunTimeout:   "10m",
		},
		Registry: RegistryConfig{CollectOnAdd: true},
		Query:    QueryConfig{MaxWindowDays: 366},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
// A .env file in the working directory, if present, is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Platform.Kind {
	case "gateway":
		if c.Platform.BaseURL == "" {
			errs = append(errs, errors.New("platform.base_url is required for the gateway platform"))
		}
	case "feed":
		if c.Platform.FeedURLTemplate == "" {
			errs = append(errs, errors.New("platform.feed_url_template is required for the feed platform"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown platform.kind %q", c.Platform.Kind))
	}
	switch c.Analysis.Provider {
	case "openai", "anthropic", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown analysis.provider %q", c.Analysis.Provider))
	}
	switch c.Locks.Backend {
	case "memory":
	case "postgres":
		if c.Locks.PostgresURL == "" {
			errs = append(errs, errors.New("locks.postgres_url is required for the postgres lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown locks.backend %q", c.Locks.Backend))
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("jobs.workers must be positive"))
	}
	if c.Collector.DefaultLimit <= 0 || c.Collector.MaxLimit < c.Collector.DefaultLimit {
		errs = append(errs, errors.New("collector.default_limit must be positive and not above collector.max_limit"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INSIGHTRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("INSIGHTRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("INSIGHTRADAR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PLATFORM_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("PLATFORM_TOKEN"); v != "" {
		cfg.Platform.Token = v
	}
	if v := os.Getenv("PLATFORM_SESSION_PATH"); v != "" {
		cfg.Platform.SessionPath = v
	}
	if v := os.Getenv("LOCKS_POSTGRES_URL"); v != "" {
		cfg.Locks.PostgresURL = v
		cfg.Locks.Backend = "postgres"
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("ALERT_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}

	// The key matching the configured provider wins; a lone key selects its provider.
	keys := map[string]string{
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
		"gemini":    os.Getenv("GEMINI_API_KEY"),
	}
	if cfg.Analysis.APIKey == "" {
		if k := keys[cfg.Analysis.Provider]; k != "" {
			cfg.Analysis.APIKey = k
		} else {
			for _, p := range []string{"openai", "anthropic", "gemini"} {
				if keys[p] != "" {
					cfg.Analysis.Provider = p
					cfg.Analysis.APIKey = keys[p]
					cfg.Analysis.Model = ""
					break
				}
			}
		}
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
