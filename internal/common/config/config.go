// Package config provides configuration management for ralph.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func envIsProd() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	env := os.Getenv("RALPH_ENV")
	return env == "production" || env == "prod"
}

// Config holds all configuration sections for ralph.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Store        StoreConfig        `mapstructure:"store"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the websocket/health HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// OrchestratorConfig holds Worker Orchestrator tuning.
type OrchestratorConfig struct {
	MaxWorkers        int    `mapstructure:"maxWorkers"`
	PollIntervalMs    int    `mapstructure:"pollIntervalMs"`
	DefaultAgentKind  string `mapstructure:"defaultAgentKind"`
	ClaimTimeoutMs    int    `mapstructure:"claimTimeoutMs"`
	CloseTimeoutMs    int    `mapstructure:"closeTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration.
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

// WorktreeConfig holds Git worktree configuration for concurrent worker execution.
type WorktreeConfig struct {
	RepoPath      string `mapstructure:"repoPath"`      // path to the main repository checkout
	DefaultBranch string `mapstructure:"defaultBranch"` // default integration branch (default: main)
}

// StoreConfig holds Session Store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite database path, default <workspace>/.ralph/sessions.db
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the admission poll interval as a time.Duration.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat mirrors the logger package's own detection so that
// config defaults and the logger agree before NewLogger is ever called.
func detectDefaultLogFormat() string {
	if envIsProd() {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("orchestrator.maxWorkers", 3)
	v.SetDefault("orchestrator.pollIntervalMs", 2000)
	v.SetDefault("orchestrator.defaultAgentKind", "claude-code")
	v.SetDefault("orchestrator.claimTimeoutMs", 10000)
	v.SetDefault("orchestrator.closeTimeoutMs", 10000)

	v.SetDefault("nats.url", "") // empty means use the in-memory event bus
	v.SetDefault("nats.clientId", "ralph")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("worktree.repoPath", ".")
	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("store.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RALPH_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Aliases for the CLI-surface env vars named directly in the spec.
	_ = v.BindEnv("server.port", "PORT", "RALPH_PORT")
	_ = v.BindEnv("server.host", "HOST", "RALPH_HOST")
	_ = v.BindEnv("orchestrator.pollIntervalMs", "BEADS_POLL_INTERVAL", "RALPH_ORCHESTRATOR_POLLINTERVALMS")
	_ = v.BindEnv("worktree.repoPath", "WORKSPACE_CWD", "RALPH_WORKTREE_REPOPATH")

	v.SetConfigName("ralph")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ralph/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Orchestrator.MaxWorkers <= 0 {
		errs = append(errs, "orchestrator.maxWorkers must be positive")
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
