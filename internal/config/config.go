// Package config loads the vault's configuration from an optional YAML file
// overlaid with VAULT_-prefixed environment variables (SPEC_FULL.md §10.1).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete vault configuration.
type Configuration struct {
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Watch     WatchConfig     `yaml:"watch"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Auth      AuthConfig      `yaml:"auth"`
	Health    HealthConfig    `yaml:"health"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`

	// CollectionsRoot is the filesystem path under which each collection's
	// directory lives.
	CollectionsRoot string `yaml:"collections_root"`
}

// DatabaseConfig configures the catalog's SQL connection.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"pool_size"`
}

// StoreConfig configures the S3-compatible object store backend.
type StoreConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	UseSSL         bool   `yaml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// APIConfig configures the HTTP API surface.
type APIConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AdminToken guards the /admin/* surface (checked against the
	// X-Admin-Token header). Empty disables the admin surface entirely.
	AdminToken string `yaml:"admin_token"`
}

// WatchConfig configures the directory watcher and the path coordinator.
type WatchConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	DebounceWindow    time.Duration `yaml:"debounce_window"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// BreakerConfig configures the per-collection circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// AuthConfig configures the sliding-window auth failure limiter.
type AuthConfig struct {
	MaxFailures   int           `yaml:"max_failures"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

// HealthConfig configures the health auditor's probes and consistency sweep.
type HealthConfig struct {
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepDelay     time.Duration `yaml:"sweep_initial_delay"`
	SampleSize     int           `yaml:"sample_size"`
}

// SupervisorConfig configures the supervisor's reconciliation loop.
type SupervisorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SyncConfig configures the read-path sync barrier.
type SyncConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File, when set, routes output through a rotating file instead of
	// stdout. MaxSizeMB/MaxBackups/Compress are only meaningful with File set.
	File       string `yaml:"file"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// NewDefault returns a configuration populated with SPEC_FULL.md §10.1's defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Database: DatabaseConfig{
			DSN:      "sqlite:///var/lib/vault/catalog.db",
			PoolSize: 8,
		},
		Store: StoreConfig{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: false,
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Watch: WatchConfig{
			PollInterval:      5 * time.Second,
			DebounceWindow:    2 * time.Second,
			ProcessingTimeout: 300 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
		},
		Auth: AuthConfig{
			MaxFailures:   5,
			Window:        60 * time.Second,
			BlockDuration: 300 * time.Second,
		},
		Health: HealthConfig{
			ProbeTimeout:  5 * time.Second,
			SweepInterval: 5 * time.Minute,
			SweepDelay:    60 * time.Second,
			SampleSize:    5,
		},
		Supervisor: SupervisorConfig{
			Interval: 30 * time.Second,
		},
		Sync: SyncConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     300 * time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		CollectionsRoot: "/data/collections",
	}
}

// LoadFromFile loads configuration from a YAML file, leaving defaults in
// place for any field the file doesn't set.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays VAULT_-prefixed environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("VAULT_DATABASE_DSN"); val != "" {
		c.Database.DSN = val
	}
	if val := os.Getenv("VAULT_DATABASE_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Database.PoolSize = n
		}
	}

	if val := os.Getenv("VAULT_STORE_ENDPOINT"); val != "" {
		c.Store.Endpoint = val
	}
	if val := os.Getenv("VAULT_STORE_ACCESS_KEY"); val != "" {
		c.Store.AccessKey = val
	}
	if val := os.Getenv("VAULT_STORE_SECRET_KEY"); val != "" {
		c.Store.SecretKey = val
	}
	if val := os.Getenv("VAULT_STORE_BUCKET"); val != "" {
		c.Store.Bucket = val
	}
	if val := os.Getenv("VAULT_STORE_REGION"); val != "" {
		c.Store.Region = val
	}
	if val := os.Getenv("VAULT_STORE_USE_SSL"); val != "" {
		c.Store.UseSSL = strings.EqualFold(val, "true")
	}
	if val := os.Getenv("VAULT_STORE_FORCE_PATH_STYLE"); val != "" {
		c.Store.ForcePathStyle = strings.EqualFold(val, "true")
	}

	if val := os.Getenv("VAULT_COLLECTIONS_ROOT"); val != "" {
		c.CollectionsRoot = val
	}

	if val := os.Getenv("VAULT_API_HOST"); val != "" {
		c.API.Host = val
	}
	if val := os.Getenv("VAULT_API_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.API.Port = n
		}
	}
	if val := os.Getenv("VAULT_API_READ_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.API.ReadTimeout = d
		}
	}
	if val := os.Getenv("VAULT_API_WRITE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.API.WriteTimeout = d
		}
	}
	if val := os.Getenv("VAULT_API_ADMIN_TOKEN"); val != "" {
		c.API.AdminToken = val
	}

	if val := os.Getenv("VAULT_WATCH_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Watch.PollInterval = d
		}
	}
	if val := os.Getenv("VAULT_DEBOUNCE_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Watch.DebounceWindow = d
		}
	}
	if val := os.Getenv("VAULT_PROCESSING_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Watch.ProcessingTimeout = d
		}
	}

	if val := os.Getenv("VAULT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Breaker.FailureThreshold = uint32(n)
		}
	}
	if val := os.Getenv("VAULT_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Breaker.SuccessThreshold = uint32(n)
		}
	}
	if val := os.Getenv("VAULT_BREAKER_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Breaker.Cooldown = d
		}
	}

	if val := os.Getenv("VAULT_AUTH_MAX_FAILURES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Auth.MaxFailures = n
		}
	}
	if val := os.Getenv("VAULT_AUTH_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Auth.Window = d
		}
	}
	if val := os.Getenv("VAULT_AUTH_BLOCK_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Auth.BlockDuration = d
		}
	}

	if val := os.Getenv("VAULT_HEALTH_PROBE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Health.ProbeTimeout = d
		}
	}
	if val := os.Getenv("VAULT_HEALTH_SWEEP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Health.SweepInterval = d
		}
	}
	if val := os.Getenv("VAULT_HEALTH_SWEEP_INITIAL_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Health.SweepDelay = d
		}
	}
	if val := os.Getenv("VAULT_HEALTH_SAMPLE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Health.SampleSize = n
		}
	}

	if val := os.Getenv("VAULT_SUPERVISOR_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Supervisor.Interval = d
		}
	}

	if val := os.Getenv("VAULT_SYNC_DEFAULT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sync.DefaultTimeout = d
		}
	}
	if val := os.Getenv("VAULT_SYNC_MAX_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sync.MaxTimeout = d
		}
	}

	if val := os.Getenv("VAULT_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("VAULT_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("VAULT_LOG_FILE"); val != "" {
		c.Log.File = val
	}
	if val := os.Getenv("VAULT_LOG_MAX_SIZE_MB"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Log.MaxSizeMB = n
		}
	}
	if val := os.Getenv("VAULT_LOG_MAX_BACKUPS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Log.MaxBackups = n
		}
	}
	if val := os.Getenv("VAULT_LOG_COMPRESS"); val != "" {
		c.Log.Compress = strings.EqualFold(val, "true")
	}

	return nil
}

// Validate checks invariants the rest of the service relies on.
func (c *Configuration) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required")
	}
	if c.CollectionsRoot == "" {
		return fmt.Errorf("collections_root is required")
	}
	if c.Sync.DefaultTimeout > c.Sync.MaxTimeout {
		return fmt.Errorf("sync.default_timeout cannot exceed sync.max_timeout")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Log.Level, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log.level: %s (must be one of: %s)",
			c.Log.Level, strings.Join(validLogLevels, ", "))
	}

	return nil
}
