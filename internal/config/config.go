// Package config provides configuration management for trackdeck using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8420
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultRetention       = 30 * 24 * time.Hour
	defaultSpillThreshold  = 64 * 1024 * 1024
	defaultFramesToLoad    = 300
	defaultBatchSize       = 8
	defaultPollInterval    = 2 * time.Millisecond
	defaultWaitTimeout     = 10 * time.Second
	defaultIdleInterval    = 2 * time.Millisecond
	defaultPruneSchedule   = "0 30 3 * * *"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Streaming StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
	Playback  PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Catalog   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
}

// ServerConfig holds HTTP control API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig holds catalog database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// StorageConfig holds recording file locations and retention.
type StorageConfig struct {
	BaseDir       string `mapstructure:"base_dir" yaml:"base_dir"`
	RecordingsDir string `mapstructure:"recordings_dir" yaml:"recordings_dir"`
	TempDir       string `mapstructure:"temp_dir" yaml:"temp_dir"`
	// Retention is how long recordings are kept before the prune job removes
	// them. Zero disables pruning. Accepts "30d", "2w", "720h".
	Retention Duration `mapstructure:"retention" yaml:"retention"`
	// SpillThreshold is the in-memory frame budget of a live recording
	// before frames spill to a temp file.
	SpillThreshold ByteSize `mapstructure:"spill_threshold" yaml:"spill_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// StreamingConfig tunes the background frame loader.
type StreamingConfig struct {
	// FramesToLoad is the half-width of the window kept around the playhead.
	FramesToLoad int `mapstructure:"frames_to_load" yaml:"frames_to_load"`
	// BatchSize is the number of frames loaded per direction before the
	// loader switches sides.
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// EvictionBudget bounds the eviction cache. 0 sizes it from available memory.
	EvictionBudget ByteSize      `mapstructure:"eviction_budget" yaml:"eviction_budget"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

// PlaybackConfig tunes the playback clock.
type PlaybackConfig struct {
	IdleInterval time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
	Loop         bool          `mapstructure:"loop" yaml:"loop"`
	// AutoLoad opens a recording for playback once it has been saved.
	AutoLoad bool `mapstructure:"auto_load" yaml:"auto_load"`
}

// CatalogConfig controls the recordings catalog and its prune job.
type CatalogConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// PruneSchedule is a 6-field cron expression (seconds first).
	PruneSchedule string `mapstructure:"prune_schedule" yaml:"prune_schedule"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TRACKDECK_ and use underscores for
// nesting, for example TRACKDECK_STREAMING_FRAMES_TO_LOAD=600.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trackdeck")
		v.AddConfigPath("/etc/trackdeck")
	}

	v.SetEnvPrefix("TRACKDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := Unmarshal(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Unmarshal decodes v into a Config, parsing human-readable sizes and
// durations through their TextUnmarshaler implementations.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Unmarshal(v)
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "trackdeck.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.recordings_dir", "recordings")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.retention", "30d")
	v.SetDefault("storage.spill_threshold", defaultSpillThreshold)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Streaming defaults
	v.SetDefault("streaming.frames_to_load", defaultFramesToLoad)
	v.SetDefault("streaming.batch_size", defaultBatchSize)
	v.SetDefault("streaming.poll_interval", defaultPollInterval)
	v.SetDefault("streaming.eviction_budget", 0)
	v.SetDefault("streaming.wait_timeout", defaultWaitTimeout)

	// Playback defaults
	v.SetDefault("playback.idle_interval", defaultIdleInterval)
	v.SetDefault("playback.loop", false)
	v.SetDefault("playback.auto_load", true)

	// Catalog defaults
	v.SetDefault("catalog.enabled", true)
	v.SetDefault("catalog.prune_schedule", defaultPruneSchedule)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}
	if c.Storage.SpillThreshold < 0 {
		return fmt.Errorf("storage.spill_threshold must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Streaming.FramesToLoad < 1 {
		return fmt.Errorf("streaming.frames_to_load must be at least 1")
	}
	if c.Streaming.BatchSize < 1 {
		return fmt.Errorf("streaming.batch_size must be at least 1")
	}
	if c.Streaming.PollInterval <= 0 {
		return fmt.Errorf("streaming.poll_interval must be positive")
	}
	if c.Streaming.EvictionBudget < 0 {
		return fmt.Errorf("streaming.eviction_budget must not be negative")
	}
	if c.Playback.IdleInterval <= 0 {
		return fmt.Errorf("playback.idle_interval must be positive")
	}

	if c.Catalog.Enabled && c.Catalog.PruneSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Catalog.PruneSchedule); err != nil {
			return fmt.Errorf("catalog.prune_schedule: %w", err)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RecordingsPath returns the directory recordings are written to.
func (c *StorageConfig) RecordingsPath() string {
	return c.resolve(c.RecordingsDir)
}

// TempPath returns the directory for spill files and expanded archives.
func (c *StorageConfig) TempPath() string {
	return c.resolve(c.TempDir)
}

func (c *StorageConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.BaseDir, dir)
}
