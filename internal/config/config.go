package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Metering  MeteringConfig  `mapstructure:"metering"`
	Sync      SyncConfig      `mapstructure:"sync"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines where actor state is persisted
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// ReportingConfig defines the reporting replica fed by the syncer
type ReportingConfig struct {
	Type                 string `mapstructure:"type"` // "storage", "postgres" or "none"
	DSN                  string `mapstructure:"dsn"`
	MaxOpenConns         int    `mapstructure:"max_open_conns"`
	AutoMigrate          bool   `mapstructure:"auto_migrate"`
	SessionRetentionDays int    `mapstructure:"session_retention_days"`
	RetentionRunTime     string `mapstructure:"retention_run_time"` // HH:MM
}

// MeteringConfig defines actor behaviour
type MeteringConfig struct {
	StaleThreshold      string `mapstructure:"stale_threshold"`
	MaxResidentActors   int    `mapstructure:"max_resident_actors"`
	OrphanSweepInterval string `mapstructure:"orphan_sweep_interval"`
	OperationTimeout    string `mapstructure:"operation_timeout"`
	MailboxSize         int    `mapstructure:"mailbox_size"`
}

// SyncConfig defines the asynchronous reporting writer
type SyncConfig struct {
	QueueSize       int    `mapstructure:"queue_size"`
	Workers         int    `mapstructure:"workers"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	InitialInterval string `mapstructure:"initial_interval"`
	MaxElapsed      string `mapstructure:"max_elapsed"`
}

// APIConfig defines the HTTP caller layer
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	WebhookToken string `mapstructure:"webhook_token"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("MINUTEMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/minutemeter/minutemeter.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Reporting defaults
	v.SetDefault("reporting.type", "storage")
	v.SetDefault("reporting.max_open_conns", 10)
	v.SetDefault("reporting.auto_migrate", false)
	v.SetDefault("reporting.session_retention_days", 365)
	v.SetDefault("reporting.retention_run_time", "03:00")

	// Metering defaults
	v.SetDefault("metering.stale_threshold", "10m")
	v.SetDefault("metering.max_resident_actors", 10000)
	v.SetDefault("metering.orphan_sweep_interval", "1m")
	v.SetDefault("metering.operation_timeout", "5s")
	v.SetDefault("metering.mailbox_size", 64)

	// Sync defaults
	v.SetDefault("sync.queue_size", 4096)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.initial_interval", "200ms")
	v.SetDefault("sync.max_elapsed", "1m")

	// API defaults
	v.SetDefault("api.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %q (must be redis or bolt)", cfg.Storage.Type)
	}

	switch cfg.Reporting.Type {
	case "storage", "none":
	case "postgres":
		if cfg.Reporting.DSN == "" {
			return fmt.Errorf("reporting.dsn is required for postgres reporting")
		}
	default:
		return fmt.Errorf("unsupported reporting type: %q (must be storage, postgres or none)", cfg.Reporting.Type)
	}
	if cfg.Reporting.SessionRetentionDays < 0 {
		return fmt.Errorf("reporting.session_retention_days must not be negative")
	}
	if _, err := time.Parse("15:04", cfg.Reporting.RetentionRunTime); err != nil {
		return fmt.Errorf("invalid reporting.retention_run_time %q: %w", cfg.Reporting.RetentionRunTime, err)
	}

	durations := map[string]string{
		"metering.stale_threshold":       cfg.Metering.StaleThreshold,
		"metering.orphan_sweep_interval": cfg.Metering.OrphanSweepInterval,
		"metering.operation_timeout":     cfg.Metering.OperationTimeout,
		"sync.initial_interval":          cfg.Sync.InitialInterval,
		"sync.max_elapsed":               cfg.Sync.MaxElapsed,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.Metering.MaxResidentActors <= 0 {
		return fmt.Errorf("metering.max_resident_actors must be positive")
	}
	if cfg.Sync.QueueSize <= 0 || cfg.Sync.Workers <= 0 {
		return fmt.Errorf("sync.queue_size and sync.workers must be positive")
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
