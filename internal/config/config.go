package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/olgkv/taskpoll/internal/poller"
)

// Config describes runtime settings. Values come from an optional YAML file
// (CONFIG_FILE) and are overridden by environment variables.
type Config struct {
	Port       string `yaml:"port"`
	BackendURL string `yaml:"backend_url"`
	StatusPath string `yaml:"status_path"`
	AuthToken  string `yaml:"auth_token"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	// MaxRetries is the number of consecutive failed polls tolerated; 0 disables retries.
	MaxRetries     int           `yaml:"max_retries"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	MaxWatches     int           `yaml:"max_watches"`

	BackendRPS       float64       `yaml:"backend_rps"`
	BackendBurst     int           `yaml:"backend_burst"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	WatchesFile string `yaml:"watches_file"`
	JournalFile string `yaml:"journal_file"`
	LogLevel    string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		BackendURL:       "http://localhost:8000",
		PollInterval:     2 * time.Second,
		MaxRetries:       3,
		BackoffFactor:    2,
		RequestTimeout:   30 * time.Second,
		HistoryLimit:     50,
		MaxWatches:       100,
		BackendRPS:       20,
		BackendBurst:     20,
		RateLimitRPS:     10,
		RateLimitBurst:   20,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		WatchesFile:      "watches.json",
		JournalFile:      "transitions.ndjson",
		LogLevel:         "info",
	}
}

// Load reads configuration from CONFIG_FILE (if set) and environment
// variables, applying defaults when necessary.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"PORT", &cfg.Port},
		{"BACKEND_URL", &cfg.BackendURL},
		{"STATUS_PATH", &cfg.StatusPath},
		{"AUTH_TOKEN", &cfg.AuthToken},
		{"WATCHES_FILE", &cfg.WatchesFile},
		{"JOURNAL_FILE", &cfg.JournalFile},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"BREAKER_COOLDOWN", &cfg.BreakerCooldown},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", d.key, err)
			}
			*d.dst = dur
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
		{"MAX_WATCHES", &cfg.MaxWatches},
		{"BACKEND_BURST", &cfg.BackendBurst},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst},
		{"BREAKER_THRESHOLD", &cfg.BreakerThreshold},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			value, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", i.key, err)
			}
			*i.dst = value
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"BACKOFF_FACTOR", &cfg.BackoffFactor},
		{"BACKEND_RPS", &cfg.BackendRPS},
		{"RATE_LIMIT_RPS", &cfg.RateLimitRPS},
	}
	for _, f := range floats {
		if v := os.Getenv(f.key); v != "" {
			value, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", f.key, err)
			}
			*f.dst = value
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the poller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL must be an absolute http(s) url, got %q", c.BackendURL))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, errors.New("BACKOFF_FACTOR must be at least 1"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.MaxWatches <= 0 {
		errs = append(errs, errors.New("MAX_WATCHES must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

// PollOptions returns the scheduler settings described by c.
func (c *Config) PollOptions() poller.Options {
	return poller.Options{
		Interval:       c.PollInterval,
		MaxRetries:     poller.RetryLimit(c.MaxRetries),
		BackoffFactor:  c.BackoffFactor,
		RequestTimeout: c.RequestTimeout,
		HistoryLimit:   c.HistoryLimit,
	}
}
