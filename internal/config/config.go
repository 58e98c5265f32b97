// Package config resolves runtime settings from defaults, an optional YAML
// file and TELEDL_* environment variables, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	DownloadDir string `yaml:"download_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	AuthToken   string `yaml:"auth_token"`

	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	MaxRetries int `yaml:"max_retries"`

	Limits  LimitsConfig  `yaml:"limits"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// LimitsConfig groups the admission policy knobs.
type LimitsConfig struct {
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerRecovery  time.Duration `yaml:"breaker_recovery"`
	RateMaxRequests  int           `yaml:"rate_max_requests"`
	RateWindow       time.Duration `yaml:"rate_window"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent"`
	MaxDiskPercent   float64       `yaml:"max_disk_percent"`
}

// CleanupConfig controls the background retention sweeps.
type CleanupConfig struct {
	FileMaxAge    time.Duration `yaml:"file_max_age"`
	JobMaxAge     time.Duration `yaml:"job_max_age"`
	HistoryMaxAge time.Duration `yaml:"history_max_age"`
	StatsMaxAge   time.Duration `yaml:"stats_max_age"`
	Interval      time.Duration `yaml:"interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns a Config with production defaults.
func Default() Config {
	return Config{
		DataDir:     "data",
		DownloadDir: "downloads",
		ListenAddr:  ":8080",
		Workers:     3,
		QueueSize:   256,
		MaxRetries:  3,
		Limits: LimitsConfig{
			BreakerThreshold: 5,
			BreakerRecovery:  60 * time.Second,
			RateMaxRequests:  10,
			RateWindow:       60 * time.Second,
			MaxMemoryPercent: 80,
			MaxDiskPercent:   90,
		},
		Cleanup: CleanupConfig{
			FileMaxAge:    24 * time.Hour,
			JobMaxAge:     7 * 24 * time.Hour,
			HistoryMaxAge: 30 * 24 * time.Hour,
			StatsMaxAge:   7 * 24 * time.Hour,
			Interval:      time.Hour,
			StatsInterval: 5 * time.Minute,
		},
	}
}

// Load resolves the configuration: a .env file if one is found walking up
// from the working directory, then defaults, then the YAML file at path
// (skipped when path is empty and the default file is absent), then
// environment overrides.
func Load(path string) (Config, error) {
	loadDotEnv()

	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "teledl.yml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Optional default file; defaults plus env is a valid setup.
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := cfg.loadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv walks up a few directories looking for a .env file.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (c *Config) loadFromEnv() error {
	c.DataDir = getenv("TELEDL_DATA_DIR", c.DataDir)
	c.DownloadDir = getenv("TELEDL_DOWNLOAD_DIR", c.DownloadDir)
	c.ListenAddr = getenv("TELEDL_LISTEN_ADDR", c.ListenAddr)
	c.AuthToken = getenv("TELEDL_AUTH_TOKEN", c.AuthToken)

	var err error
	if c.Workers, err = getenvInt("TELEDL_WORKERS", c.Workers); err != nil {
		return err
	}
	if c.QueueSize, err = getenvInt("TELEDL_QUEUE_SIZE", c.QueueSize); err != nil {
		return err
	}
	if c.MaxRetries, err = getenvInt("TELEDL_MAX_RETRIES", c.MaxRetries); err != nil {
		return err
	}
	if c.Limits.BreakerThreshold, err = getenvInt("TELEDL_BREAKER_THRESHOLD", c.Limits.BreakerThreshold); err != nil {
		return err
	}
	if c.Limits.BreakerRecovery, err = getenvDuration("TELEDL_BREAKER_RECOVERY", c.Limits.BreakerRecovery); err != nil {
		return err
	}
	if c.Limits.RateMaxRequests, err = getenvInt("TELEDL_RATE_MAX_REQUESTS", c.Limits.RateMaxRequests); err != nil {
		return err
	}
	if c.Limits.RateWindow, err = getenvDuration("TELEDL_RATE_WINDOW", c.Limits.RateWindow); err != nil {
		return err
	}
	if c.Limits.MaxMemoryPercent, err = getenvFloat("TELEDL_MAX_MEMORY_PERCENT", c.Limits.MaxMemoryPercent); err != nil {
		return err
	}
	if c.Limits.MaxDiskPercent, err = getenvFloat("TELEDL_MAX_DISK_PERCENT", c.Limits.MaxDiskPercent); err != nil {
		return err
	}
	if c.Cleanup.FileMaxAge, err = getenvDuration("TELEDL_FILE_MAX_AGE", c.Cleanup.FileMaxAge); err != nil {
		return err
	}
	if c.Cleanup.Interval, err = getenvDuration("TELEDL_CLEANUP_INTERVAL", c.Cleanup.Interval); err != nil {
		return err
	}
	if c.Cleanup.StatsInterval, err = getenvDuration("TELEDL_STATS_INTERVAL", c.Cleanup.StatsInterval); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the pool cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("config: queue_size must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("config: max_retries must not be negative")
	}
	if c.Limits.MaxMemoryPercent <= 0 || c.Limits.MaxMemoryPercent > 100 {
		return errors.New("config: max_memory_percent must be in (0, 100]")
	}
	if c.Limits.MaxDiskPercent <= 0 || c.Limits.MaxDiskPercent > 100 {
		return errors.New("config: max_disk_percent must be in (0, 100]")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
