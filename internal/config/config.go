package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from environment
// variables with defaults; a YAML file can supply the same keys and is
// overridden by the environment.
type Config struct {
	// Storage backend selection
	Backend    string `yaml:"backend"`    // file | memory | kv | relational | document
	Connection string `yaml:"connection"` // path, redis://, mysql:// or mongodb:// depending on backend

	// Session lifecycle policy
	IdleTimeoutSeconds     int    `yaml:"idleTimeoutSeconds"`
	DefaultTTLSeconds      int    `yaml:"defaultTTLSeconds"` // 0 means no absolute deadline
	CleanupIntervalSeconds int    `yaml:"cleanupIntervalSeconds"`
	CleanupCron            string `yaml:"cleanupCron"` // optional cron expression, overrides the interval

	// Sandbox correlation
	SandboxStrategy        string `yaml:"sandboxStrategy"` // ephemeral | pooled | persistent
	SandboxServiceURL      string `yaml:"sandboxServiceURL"`
	SandboxTemplateID      string `yaml:"sandboxTemplateID"`
	SandboxPoolSize        int    `yaml:"sandboxPoolSize"`
	SandboxMaxPauseSeconds int    `yaml:"sandboxMaxPauseSeconds"`
	SandboxTimeoutSeconds  int    `yaml:"sandboxTimeoutSeconds"`

	// Optional at-rest encryption of session content (64 hex chars).
	EncryptionMasterKey string `yaml:"encryptionMasterKey"`
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Backend:    getEnv("SESSIOND_BACKEND", "memory"),
		Connection: getEnv("SESSIOND_CONNECTION", ""),

		IdleTimeoutSeconds:     getIntEnv("SESSIOND_IDLE_TIMEOUT_SECONDS", 3600),
		DefaultTTLSeconds:      getIntEnv("SESSIOND_DEFAULT_TTL_SECONDS", 0),
		CleanupIntervalSeconds: getIntEnv("SESSIOND_CLEANUP_INTERVAL_SECONDS", 300),
		CleanupCron:            getEnv("SESSIOND_CLEANUP_CRON", ""),

		SandboxStrategy:        getEnv("SANDBOX_STRATEGY", "ephemeral"),
		SandboxServiceURL:      getEnv("SANDBOX_SERVICE_URL", "http://localhost:8001"),
		SandboxTemplateID:      getEnv("SANDBOX_TEMPLATE_ID", ""),
		SandboxPoolSize:        getIntEnv("SANDBOX_POOL_SIZE", 4),
		SandboxMaxPauseSeconds: getIntEnv("SANDBOX_MAX_PAUSE_SECONDS", 86400),
		SandboxTimeoutSeconds:  getIntEnv("SANDBOX_TIMEOUT_SECONDS", 120),

		EncryptionMasterKey: getEnv("SESSIOND_ENCRYPTION_MASTER_KEY", ""),
	}
}

// LoadFile reads a YAML config file and fills in any key the environment
// did not set. Environment variables win so a deployment can override a
// checked-in file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg := Load()
	if os.Getenv("SESSIOND_BACKEND") == "" && fileCfg.Backend != "" {
		cfg.Backend = fileCfg.Backend
	}
	if os.Getenv("SESSIOND_CONNECTION") == "" && fileCfg.Connection != "" {
		cfg.Connection = fileCfg.Connection
	}
	if os.Getenv("SESSIOND_IDLE_TIMEOUT_SECONDS") == "" && fileCfg.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeoutSeconds = fileCfg.IdleTimeoutSeconds
	}
	if os.Getenv("SESSIOND_DEFAULT_TTL_SECONDS") == "" && fileCfg.DefaultTTLSeconds != 0 {
		cfg.DefaultTTLSeconds = fileCfg.DefaultTTLSeconds
	}
	if os.Getenv("SESSIOND_CLEANUP_INTERVAL_SECONDS") == "" && fileCfg.CleanupIntervalSeconds != 0 {
		cfg.CleanupIntervalSeconds = fileCfg.CleanupIntervalSeconds
	}
	if os.Getenv("SESSIOND_CLEANUP_CRON") == "" && fileCfg.CleanupCron != "" {
		cfg.CleanupCron = fileCfg.CleanupCron
	}
	if os.Getenv("SANDBOX_STRATEGY") == "" && fileCfg.SandboxStrategy != "" {
		cfg.SandboxStrategy = fileCfg.SandboxStrategy
	}
	if os.Getenv("SANDBOX_SERVICE_URL") == "" && fileCfg.SandboxServiceURL != "" {
		cfg.SandboxServiceURL = fileCfg.SandboxServiceURL
	}
	if os.Getenv("SANDBOX_TEMPLATE_ID") == "" && fileCfg.SandboxTemplateID != "" {
		cfg.SandboxTemplateID = fileCfg.SandboxTemplateID
	}
	if os.Getenv("SANDBOX_POOL_SIZE") == "" && fileCfg.SandboxPoolSize != 0 {
		cfg.SandboxPoolSize = fileCfg.SandboxPoolSize
	}
	if os.Getenv("SANDBOX_MAX_PAUSE_SECONDS") == "" && fileCfg.SandboxMaxPauseSeconds != 0 {
		cfg.SandboxMaxPauseSeconds = fileCfg.SandboxMaxPauseSeconds
	}
	if os.Getenv("SANDBOX_TIMEOUT_SECONDS") == "" && fileCfg.SandboxTimeoutSeconds != 0 {
		cfg.SandboxTimeoutSeconds = fileCfg.SandboxTimeoutSeconds
	}
	if os.Getenv("SESSIOND_ENCRYPTION_MASTER_KEY") == "" && fileCfg.EncryptionMasterKey != "" {
		cfg.EncryptionMasterKey = fileCfg.EncryptionMasterKey
	}
	return cfg, nil
}

// IdleTimeout returns the idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// DefaultTTL returns the default absolute TTL, or zero when unset.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// CleanupInterval returns the sweep interval as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "file", "memory", "kv", "relational", "document":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend != "memory" && c.Connection == "" {
		return fmt.Errorf("backend %q requires a connection string", c.Backend)
	}
	if c.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %d", c.IdleTimeoutSeconds)
	}
	if c.CleanupIntervalSeconds <= 0 && c.CleanupCron == "" {
		return fmt.Errorf("cleanup interval must be positive or a cron expression set")
	}
	switch c.SandboxStrategy {
	case "ephemeral", "pooled", "persistent":
	default:
		return fmt.Errorf("unknown sandbox strategy %q", c.SandboxStrategy)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
