// Package config provides configuration management for fhserve using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxListeners    = -1              // unlimited
	defaultFallbackLimit   = 128 * 1000 / 8   // 128 kbit/s in bytes/sec
	defaultExpireAfter     = 120 * time.Second
	defaultScanInterval    = 5 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
)

// Config holds all configuration for fhserve.
type Config struct {
	Server  ServerConfig           `mapstructure:"server"`
	Storage StorageConfig          `mapstructure:"storage"`
	Logging LoggingConfig          `mapstructure:"logging"`
	Scanner ScannerConfig          `mapstructure:"scanner"`
	Audit   AuditConfig            `mapstructure:"audit"`
	Mounts  map[string]MountConfig `mapstructure:"mounts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig holds the filesystem roots content is resolved under.
type StorageConfig struct {
	// ContentDir is the root on-demand and fallback mounts resolve under.
	ContentDir string `mapstructure:"content_dir"`
	// AdminDir is the root used when a request's flags carry USE_ADMIN.
	AdminDir string `mapstructure:"admin_dir"`
	// MimeTypesFile is an optional extension->content-type text file,
	// loaded on top of the built-in defaults, in "type ext1 ext2 ..." format.
	MimeTypesFile string `mapstructure:"mime_types_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ScannerConfig controls the periodic cache scan that updates stats and
// reaps listener-less handles past their expiry.
type ScannerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

// AuditConfig holds audit-log persistence configuration for admin actions
// (overrides, kills) — not per-listener access logging.
type AuditConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MountConfig holds per-mount policy, keyed by mount path in Config.Mounts.
type MountConfig struct {
	// MaxListeners caps concurrent listeners; -1 means unlimited, 0 refuses
	// all admission without opening a handle.
	MaxListeners int `mapstructure:"max_listeners"`
	// FallbackFile is the filesystem-relative path served when this mount
	// has no live source.
	FallbackFile string `mapstructure:"fallback_file"`
	// Limit is the target outgoing bitrate in bytes/sec for throttled
	// delivery; 0 means untimed.
	Limit ByteSize `mapstructure:"limit"`
	// AllowDuplicateLogin controls whether the same client may hold more
	// than one listener slot on this mount concurrently.
	AllowDuplicateLogin bool `mapstructure:"allow_duplicate_login"`
	// ExpireAfter is copied into collab.MountPolicy.ExpireAfter. The cache
	// does not read it: a listener-less, non-deleted handle always lingers
	// a fixed 120 s before the scanner reaps it.
	ExpireAfter Duration `mapstructure:"expire_after"`
}

// Load reads configuration from the given viper instance into a Config,
// after SetDefaults and any file/env binding has already been applied.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Storage defaults
	v.SetDefault("storage.content_dir", "./content")
	v.SetDefault("storage.admin_dir", "./admin")
	v.SetDefault("storage.mime_types_file", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Scanner defaults
	v.SetDefault("scanner.interval", defaultScanInterval)
	v.SetDefault("scanner.workers", 1)

	// Audit defaults
	v.SetDefault("audit.driver", "sqlite")
	v.SetDefault("audit.dsn", "fhserve-audit.db")
	v.SetDefault("audit.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("audit.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("audit.conn_max_lifetime", time.Hour)
}

// DefaultMountConfig returns the policy applied to a mount absent from
// Config.Mounts.
func DefaultMountConfig() MountConfig {
	return MountConfig{
		MaxListeners:        defaultMaxListeners,
		Limit:               ByteSize(defaultFallbackLimit),
		AllowDuplicateLogin: true,
		ExpireAfter:         Duration(defaultExpireAfter),
	}
}
