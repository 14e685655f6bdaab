// Package config holds runtime configuration for all conductor services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// Config holds configuration for all services
type Config struct {
	// Core paths
	DataDir      string
	DatabasePath string
	// local mirrors of project manifest repositories, one per project name
	RepositoryHome string

	// Logging
	LogLevel     string
	ColorEnabled bool

	// HTTP server (webhook ingress)
	HTTPHost string
	HTTPPort int

	// Default artifact/device API domain; projects may override it
	APIDomain string
	// Fallback API token used when a project carries none
	APIToken string

	// Engine timing
	OTADeadline      time.Duration // devices stuck in OTA longer than this are reclaimed
	SweepInterval    time.Duration
	DeltaPollInterval time.Duration
	DeltaPollMax     int // bounded static-delta polling; 0 disables the bound

	// Worker pool
	WorkerCount int
	TaskRetries int

	// Marker string in commit messages that flags rollback builds
	RollbackMarker string

	// When set, rendered job definitions are written to this directory
	// instead of being submitted to the execution backend.
	DryRunDir string

	// Encryption
	EncryptionKey string

	// Environment provider for testing
	env EnvProvider
}

// NewConfig creates a new configuration with optional data directory override
func NewConfig(cliDataDir string) (*Config, error) {
	return newConfigWithEnv(&DefaultEnvProvider{}, cliDataDir)
}

// NewConfigWithEnv creates a new configuration with a custom environment
// provider (for testing)
func NewConfigWithEnv(env EnvProvider, cliDataDir string) (*Config, error) {
	return newConfigWithEnv(env, cliDataDir)
}

func newConfigWithEnv(env EnvProvider, cliDataDir string) (*Config, error) {
	c := &Config{env: env}

	c.setDefaults()
	c.loadFromEnv()

	if cliDataDir != "" {
		c.DataDir = cliDataDir
	}

	c.derivePaths()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func (c *Config) setDefaults() {
	homeDir, _ := c.env.UserHomeDir()
	c.DataDir = filepath.Join(homeDir, ".conductor")
	c.LogLevel = "info"
	c.ColorEnabled = true
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 8080
	c.APIDomain = "foundries.io"
	c.OTADeadline = 30 * time.Minute
	c.SweepInterval = 5 * time.Minute
	c.DeltaPollInterval = time.Minute
	c.DeltaPollMax = 120
	c.WorkerCount = 4
	c.TaskRetries = 3
	c.RollbackMarker = "Upgrade and rollback"
	// Don't set a default encryption key - it must be provided explicitly
}

func (c *Config) loadFromEnv() {
	if v := c.env.Getenv("CONDUCTOR_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := c.env.Getenv("CONDUCTOR_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := c.env.Getenv("CONDUCTOR_REPOSITORY_HOME"); v != "" {
		c.RepositoryHome = v
	}
	if v := c.env.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := c.env.Getenv("CONDUCTOR_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	if v := c.env.Getenv("CONDUCTOR_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := c.env.Getenv("CONDUCTOR_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := c.env.Getenv("CONDUCTOR_API_DOMAIN"); v != "" {
		c.APIDomain = v
	}
	if v := c.env.Getenv("CONDUCTOR_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := c.env.Getenv("CONDUCTOR_OTA_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.OTADeadline = d
		}
	}
	if v := c.env.Getenv("CONDUCTOR_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SweepInterval = d
		}
	}
	if v := c.env.Getenv("CONDUCTOR_DELTA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DeltaPollInterval = d
		}
	}
	if v := c.env.Getenv("CONDUCTOR_DELTA_POLL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DeltaPollMax = n
		}
	}
	if v := c.env.Getenv("CONDUCTOR_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := c.env.Getenv("CONDUCTOR_TASK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TaskRetries = n
		}
	}
	if v := c.env.Getenv("CONDUCTOR_ROLLBACK_MARKER"); v != "" {
		c.RollbackMarker = v
	}
	if v := c.env.Getenv("CONDUCTOR_DRY_RUN_DIR"); v != "" {
		c.DryRunDir = v
	}
	if v := c.env.Getenv("CONDUCTOR_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
}

// derivePaths calculates dependent paths from the base DataDir
func (c *Config) derivePaths() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "conductor.db")
	}
	if c.RepositoryHome == "" {
		c.RepositoryHome = filepath.Join(c.DataDir, "repositories")
	}
}

// validate ensures configuration values are valid
func (c *Config) validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warning": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warning, or error)", c.LogLevel)
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort)
	}

	if c.OTADeadline <= 0 {
		return fmt.Errorf("OTA deadline must be positive, got: %v", c.OTADeadline)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got: %v", c.SweepInterval)
	}
	if c.DeltaPollInterval <= 0 {
		return fmt.Errorf("delta poll interval must be positive, got: %v", c.DeltaPollInterval)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got: %d", c.WorkerCount)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf(
			"encryption key is required - set the CONDUCTOR_ENCRYPTION_KEY environment variable")
	}

	return nil
}

// GetLogLevel returns the configured log level
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}
