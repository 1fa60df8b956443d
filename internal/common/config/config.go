// Package config provides configuration management for Pi-Deck.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Pi-Deck.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Workspaces WorkspacesConfig `mapstructure:"workspaces"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StateConfig holds durable state storage configuration.
type StateConfig struct {
	Dir                  string `mapstructure:"dir"`                  // directory holding sync.db
	SnapshotEveryDeltas  int    `mapstructure:"snapshotEveryDeltas"`  // snapshot after this many deltas
	SnapshotEverySeconds int    `mapstructure:"snapshotEverySeconds"` // or after this much activity
	PruneMarginDeltas    int    `mapstructure:"pruneMarginDeltas"`    // retained deltas behind min ack
	SlowAppendWarnMs     int    `mapstructure:"slowAppendWarnMs"`     // warn when a commit fsync exceeds this
}

// SyncConfig holds per-client sync session configuration.
type SyncConfig struct {
	OutboundQueueDeltas int `mapstructure:"outboundQueueDeltas"` // max queued deltas per client
	OutboundQueueBytes  int `mapstructure:"outboundQueueBytes"`  // max queued bytes per client
	CatchUpBatchSize    int `mapstructure:"catchUpBatchSize"`    // deltas per deltaBatch frame
}

// WorkspacesConfig restricts which directories may be opened as workspaces.
// An empty allow-list means any path is permitted.
type WorkspacesConfig struct {
	AllowedRoots []string `mapstructure:"allowedRoots"`
}

// NATSConfig holds optional NATS messaging configuration. An empty URL
// selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DBPath returns the path of the single-file sync store.
func (s *StateConfig) DBPath() string {
	return filepath.Join(s.Dir, "sync.db")
}

// SnapshotInterval returns the activity-based snapshot interval.
func (s *StateConfig) SnapshotInterval() time.Duration {
	return time.Duration(s.SnapshotEverySeconds) * time.Second
}

// SlowAppendWarn returns the append-latency warning ceiling.
func (s *StateConfig) SlowAppendWarn() time.Duration {
	return time.Duration(s.SlowAppendWarnMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PIDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pideck"
	}
	return filepath.Join(home, ".pideck")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// State defaults
	v.SetDefault("state.dir", defaultStateDir())
	v.SetDefault("state.snapshotEveryDeltas", 1000)
	v.SetDefault("state.snapshotEverySeconds", 60)
	v.SetDefault("state.pruneMarginDeltas", 1024)
	v.SetDefault("state.slowAppendWarnMs", 100)

	// Sync defaults
	v.SetDefault("sync.outboundQueueDeltas", 10000)
	v.SetDefault("sync.outboundQueueBytes", 64*1024*1024)
	v.SetDefault("sync.catchUpBatchSize", 500)

	// Workspace defaults - empty allow-list means any path
	v.SetDefault("workspaces.allowedRoots", []string{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pideck")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix PIDECK_ with snake_case
// naming. The config file is config.yaml in the current directory,
// ~/.pideck/, or /etc/pideck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PIDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStateDir())
	v.AddConfigPath("/etc/pideck/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir is required")
	}
	if cfg.State.SnapshotEveryDeltas <= 0 {
		errs = append(errs, "state.snapshotEveryDeltas must be positive")
	}
	if cfg.State.SnapshotEverySeconds <= 0 {
		errs = append(errs, "state.snapshotEverySeconds must be positive")
	}
	if cfg.State.PruneMarginDeltas < 0 {
		errs = append(errs, "state.pruneMarginDeltas must not be negative")
	}

	if cfg.Sync.OutboundQueueDeltas <= 0 {
		errs = append(errs, "sync.outboundQueueDeltas must be positive")
	}
	if cfg.Sync.CatchUpBatchSize <= 0 {
		errs = append(errs, "sync.catchUpBatchSize must be positive")
	}

	// Allowed roots must be absolute so containment checks are meaningful.
	for _, root := range cfg.Workspaces.AllowedRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Sprintf("workspaces.allowedRoots entry %q must be absolute", root))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
