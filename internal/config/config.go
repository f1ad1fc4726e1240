// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// EnvPrefix prefixes every environment override, e.g. VSCRAPE_VENDOR_EMAIL.
const EnvPrefix = "VSCRAPE"

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Vendor    VendorConfig    `mapstructure:"vendor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VendorConfig identifies the account to scrape.
type VendorConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// SchedulerConfig governs request dispatch, cooldowns and retries.
type SchedulerConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	SleepEvery     int           `mapstructure:"sleep_every"`
	SleepFor       time.Duration `mapstructure:"sleep_for"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// ScrapeConfig selects what a run collects.
type ScrapeConfig struct {
	Sites           []string `mapstructure:"sites"`
	After           string   `mapstructure:"after"`
	Before          string   `mapstructure:"before"`
	Hours           float64  `mapstructure:"hours"`
	PageConcurrency int      `mapstructure:"page_concurrency"`
	Diffs           bool     `mapstructure:"diffs"`
	DiffType        string   `mapstructure:"diff_type"`
	Content         bool     `mapstructure:"content"`
	ContentMode     string   `mapstructure:"content_mode"`
	ContentRetries  int      `mapstructure:"content_retries"`
	// Interval repeats the run on this period until interrupted. Zero runs once.
	Interval time.Duration `mapstructure:"interval"`
}

// StorageConfig chooses where diff and content bodies are written.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres version recorder.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the metrics/health HTTP listener. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith builds a Config using v, which may already carry bound CLI flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("vendor.base_url", "https://versionista.com")
	v.SetDefault("vendor.email", "")
	v.SetDefault("vendor.password", "")
	v.SetDefault("scheduler.max_concurrent", 6)
	v.SetDefault("scheduler.sleep_every", 40)
	v.SetDefault("scheduler.sleep_for", "5s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.base_delay", "500ms")
	v.SetDefault("scheduler.request_timeout", "60s")
	v.SetDefault("scheduler.user_agent", "versionista-scraper/0.1")
	v.SetDefault("scheduler.rate_limit_rps", 0)
	v.SetDefault("scheduler.rate_limit_burst", 1)
	v.SetDefault("scrape.sites", []string{})
	v.SetDefault("scrape.after", "")
	v.SetDefault("scrape.before", "")
	v.SetDefault("scrape.hours", 0)
	v.SetDefault("scrape.page_concurrency", 4)
	v.SetDefault("scrape.diffs", false)
	v.SetDefault("scrape.diff_type", string(versionista.DefaultDiffType))
	v.SetDefault("scrape.content", false)
	v.SetDefault("scrape.content_mode", string(versionista.ContentRaw))
	v.SetDefault("scrape.content_retries", 2)
	v.SetDefault("scrape.interval", "0s")
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "versionista")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Vendor.BaseURL == "" {
		return errors.New("vendor.base_url must be set")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return errors.New("scheduler.max_concurrent must be > 0")
	}
	if c.Scheduler.SleepFor < 0 {
		return errors.New("scheduler.sleep_for must be >= 0")
	}
	if c.Scheduler.BaseDelay < 0 {
		return errors.New("scheduler.base_delay must be >= 0")
	}
	if c.Scrape.PageConcurrency <= 0 {
		return errors.New("scrape.page_concurrency must be > 0")
	}
	if c.Scrape.Hours < 0 {
		return errors.New("scrape.hours must be >= 0")
	}
	if !versionista.DiffType(c.Scrape.DiffType).Valid() {
		return fmt.Errorf("scrape.diff_type %q is not a known diff type", c.Scrape.DiffType)
	}
	switch versionista.ContentMode(c.Scrape.ContentMode) {
	case versionista.ContentRaw, versionista.ContentHTML:
	default:
		return fmt.Errorf("scrape.content_mode %q must be raw or html", c.Scrape.ContentMode)
	}
	if c.Scrape.ContentRetries < 0 {
		return errors.New("scrape.content_retries must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.Scrape.Interval < 0 {
		return errors.New("scrape.interval must be >= 0")
	}
	if c.Server.Port < 0 {
		return errors.New("server.port must be >= 0")
	}
	if _, _, err := c.Scrape.Window(time.Now()); err != nil {
		return err
	}
	return nil
}

// RequireCredentials reports an error when the vendor login is incomplete.
func (c Config) RequireCredentials() error {
	if c.Vendor.Email == "" || c.Vendor.Password == "" {
		return errors.New("vendor.email and vendor.password must be set")
	}
	return nil
}

// Window returns the capture-time window [after, before). Zero values mean
// unbounded. Hours, when set, overrides After with now minus the lookback.
func (s ScrapeConfig) Window(now time.Time) (time.Time, time.Time, error) {
	var after, before time.Time
	var err error
	if s.After != "" {
		if after, err = time.Parse(time.RFC3339, s.After); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse scrape.after: %w", err)
		}
	}
	if s.Before != "" {
		if before, err = time.Parse(time.RFC3339, s.Before); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse scrape.before: %w", err)
		}
	}
	if s.Hours > 0 {
		after = now.Add(-time.Duration(s.Hours * float64(time.Hour)))
	}
	if !after.IsZero() && !before.IsZero() && !after.Before(before) {
		return time.Time{}, time.Time{}, errors.New("scrape.after must be earlier than scrape.before")
	}
	return after, before, nil
}
