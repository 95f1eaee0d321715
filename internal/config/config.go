package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed configuration shared by the worker and
// api processes. Every field has a working default so an empty file
// (or no file at all) still boots.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Worker struct {
		PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
		ErrorIntervalSeconds int `yaml:"error_interval_seconds"`
		JobTimeoutSeconds    int `yaml:"job_timeout_seconds"`
		WindowDays           int `yaml:"window_days"`
	} `yaml:"worker"`

	Scheduler struct {
		Enabled         bool `yaml:"enabled"`
		IntervalMinutes int  `yaml:"interval_minutes"`
	} `yaml:"scheduler"`

	Budget struct {
		DailyQueryLimit   int64   `yaml:"daily_query_limit"`
		MonthlyQueryLimit int64   `yaml:"monthly_query_limit"`
		DefaultQueryCost  float64 `yaml:"default_query_cost"`
		AlertThreshold    float64 `yaml:"alert_threshold"`
		AlertWebhookURL   string  `yaml:"alert_webhook_url"`
	} `yaml:"budget"`

	Cache struct {
		DefaultTTLSeconds int     `yaml:"default_ttl_seconds"`
		JitterPct         float64 `yaml:"jitter_pct"`
		MaxPoolItems      int     `yaml:"max_pool_items"`
	} `yaml:"cache"`

	API struct {
		Port string `yaml:"port"`
	} `yaml:"api"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Redis.Addr = "localhost:6379"
	cfg.Database.Path = "aoer.db"
	cfg.Worker.PollIntervalSeconds = 5
	cfg.Worker.ErrorIntervalSeconds = 10
	cfg.Worker.JobTimeoutSeconds = 120
	cfg.Worker.WindowDays = 30
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.IntervalMinutes = 60
	cfg.Budget.DailyQueryLimit = 500
	cfg.Budget.MonthlyQueryLimit = 10000
	cfg.Budget.DefaultQueryCost = 0.02
	cfg.Budget.AlertThreshold = 0.80
	cfg.Cache.DefaultTTLSeconds = 86400
	cfg.Cache.JitterPct = 0.03
	cfg.Cache.MaxPoolItems = 100
	cfg.API.Port = "8080"
	return cfg
}

// Load reads a yaml config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// PollInterval returns the worker idle sleep as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// ErrorInterval returns the worker error backoff as a duration.
func (c Config) ErrorInterval() time.Duration {
	return time.Duration(c.Worker.ErrorIntervalSeconds) * time.Second
}

// JobTimeout returns the per-job processing bound as a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}

// SchedulerInterval returns the bulk-refresh cadence as a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// CacheTTL returns the default cache entry TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLSeconds) * time.Second
}
