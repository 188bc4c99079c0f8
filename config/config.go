package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// EngineConfig holds container engine configuration
type EngineConfig struct {
	Binary          string `mapstructure:"binary"`
	ProbeTimeoutSec int    `mapstructure:"probe_timeout_sec"`
	StopGraceSec    int    `mapstructure:"stop_grace_sec"`
	IsolatedNetwork string `mapstructure:"isolated_network"`
}

// SandboxConfig holds sandbox session configuration
type SandboxConfig struct {
	Image              string `mapstructure:"image"`
	Shell              string `mapstructure:"shell"`
	WorkspaceRoot      string `mapstructure:"workspace_root"`
	MaxSessionsPerUser int    `mapstructure:"max_sessions_per_user"`
	ReaperIntervalSec  int    `mapstructure:"reaper_interval_sec"`
	TmpfsSizeMB        int    `mapstructure:"tmpfs_size_mb"`
	HomeTmpfsSizeMB    int    `mapstructure:"home_tmpfs_size_mb"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("engine.binary", "docker")
	viper.SetDefault("engine.probe_timeout_sec", 5)
	viper.SetDefault("engine.stop_grace_sec", 10)
	viper.SetDefault("engine.isolated_network", "sandboxd-isolated")
	viper.SetDefault("sandbox.image", "ubuntu:22.04")
	viper.SetDefault("sandbox.shell", "/bin/bash")
	viper.SetDefault("sandbox.workspace_root", "")
	viper.SetDefault("sandbox.max_sessions_per_user", 5)
	viper.SetDefault("sandbox.reaper_interval_sec", 60)
	viper.SetDefault("sandbox.tmpfs_size_mb", 64)
	viper.SetDefault("sandbox.home_tmpfs_size_mb", 128)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedEngines := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedEngines[c.Engine.Binary] {
		return fmt.Errorf("unsupported engine.binary: %s", c.Engine.Binary)
	}

	if c.Engine.ProbeTimeoutSec <= 0 || c.Engine.ProbeTimeoutSec > 5 {
		return fmt.Errorf("engine.probe_timeout_sec must be in 1..5, got: %d", c.Engine.ProbeTimeoutSec)
	}

	if c.Engine.StopGraceSec <= 0 || c.Engine.StopGraceSec > 10 {
		return fmt.Errorf("engine.stop_grace_sec must be in 1..10, got: %d", c.Engine.StopGraceSec)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("sandbox.max_sessions_per_user must be positive, got: %d", c.Sandbox.MaxSessionsPerUser)
	}

	if c.Sandbox.ReaperIntervalSec <= 0 {
		return fmt.Errorf("sandbox.reaper_interval_sec must be positive, got: %d", c.Sandbox.ReaperIntervalSec)
	}

	if c.Sandbox.TmpfsSizeMB <= 0 || c.Sandbox.HomeTmpfsSizeMB <= 0 {
		return fmt.Errorf("sandbox tmpfs sizes must be positive, got: %d and %d",
			c.Sandbox.TmpfsSizeMB, c.Sandbox.HomeTmpfsSizeMB)
	}

	return nil
}

// ProbeTimeout returns the engine probe timeout as a duration
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Engine.ProbeTimeoutSec) * time.Second
}

// StopGrace returns the container stop grace period as a duration
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Engine.StopGraceSec) * time.Second
}

// ReaperInterval returns the orphan reaper tick interval as a duration
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Sandbox.ReaperIntervalSec) * time.Second
}
