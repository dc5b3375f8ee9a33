// Package config holds broadcast assistant configuration and logger
// construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duplicate-addition policy names accepted in configuration.
const (
	DuplicateReject = "reject"
	DuplicateResume = "resume"
)

// Scan-cache retention policy names accepted in configuration.
const (
	CacheClearAll        = "clear-all"
	CacheRetainMonitored = "retain-monitored"
)

// Config holds application configuration. Zero values are filled in by
// Default()/Load() from the `default` struct tags.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// MaxActiveSyncedSources bounds the hardware periodic-advertising sync
	// pool.
	MaxActiveSyncedSources int `yaml:"max_active_synced_sources" default:"4"`

	// MaxBISDiscoveryTries bounds BASE parse attempts per established sync
	// before the sync is dropped.
	MaxBISDiscoveryTries int `yaml:"max_bis_discovery_tries" default:"5"`

	// DuplicateAddition selects how adding an already-present source is
	// handled: "reject" fails with a duplicate-addition reason, "resume"
	// treats the call as an update of the existing source.
	DuplicateAddition string `yaml:"duplicate_addition" default:"resume"`

	// CacheRetention selects scan-cache behavior on search start/stop:
	// "clear-all" or "retain-monitored".
	CacheRetention string `yaml:"cache_retention" default:"retain-monitored"`

	// SortSyncRequestsByFails prefers less-failing broadcasts among
	// equal-priority sync requests.
	SortSyncRequestsByFails bool `yaml:"sort_sync_requests_by_fails" default:"true"`

	SyncLostTimeout         time.Duration `yaml:"sync_lost_timeout" default:"5s"`
	BroadcastMonitorTimeout time.Duration `yaml:"broadcast_monitor_timeout" default:"5m"`
	BigMonitorTimeout       time.Duration `yaml:"big_monitor_timeout" default:"30m"`
	DialingOutTimeout       time.Duration `yaml:"dialing_out_timeout" default:"60s"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file; fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values and unknown policy names.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.MaxActiveSyncedSources < 1 {
		return fmt.Errorf("config: max_active_synced_sources must be >= 1, got %d",
			c.MaxActiveSyncedSources)
	}
	if c.MaxBISDiscoveryTries < 1 {
		return fmt.Errorf("config: max_bis_discovery_tries must be >= 1, got %d",
			c.MaxBISDiscoveryTries)
	}
	switch c.DuplicateAddition {
	case DuplicateReject, DuplicateResume:
	default:
		return fmt.Errorf("config: invalid duplicate_addition %q", c.DuplicateAddition)
	}
	switch c.CacheRetention {
	case CacheClearAll, CacheRetainMonitored:
	default:
		return fmt.Errorf("config: invalid cache_retention %q", c.CacheRetention)
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
