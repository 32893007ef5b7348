package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Upholder UpholderConfig `yaml:"upholder"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig represents the monitored PostgreSQL database
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// UpholderConfig configures the performance-upholding subsystem.
type UpholderConfig struct {
	QueryAnalysisIntervalMinutes    int `yaml:"query_analysis_interval_minutes"`
	IndexAuditIntervalMinutes       int `yaml:"index_audit_interval_minutes"`
	CacheMonitoringIntervalMinutes  int `yaml:"cache_monitoring_interval_minutes"`
	BulkOptimizationIntervalMinutes int `yaml:"bulk_optimization_interval_minutes"`
	PoolSampleIntervalSeconds       int `yaml:"pool_sample_interval_seconds"`

	SlowQueryThresholdMs float64 `yaml:"slow_query_threshold_ms"`
	SlowQueryMinCalls    int     `yaml:"slow_query_min_calls"`
	CacheHitRatioMinimum float64 `yaml:"cache_hit_ratio_minimum"`

	AutoApplySafeOptimizations bool `yaml:"auto_apply_safe_optimizations"`
	AutoDeleteUnusedIndexes    bool `yaml:"auto_delete_unused_indexes"`
	DryRunMode                 bool `yaml:"dry_run_mode"`

	UnusedIndexAgeDays   int `yaml:"unused_index_age_days"`
	UnusedIndexMaxSizeMB int `yaml:"unused_index_max_size_mb"`

	EnableAlerts         bool `yaml:"enable_alerts"`
	AlertCooldownMinutes int  `yaml:"alert_cooldown_minutes"`
}

// QueryAnalysisInterval returns the full-audit cadence.
func (u UpholderConfig) QueryAnalysisInterval() time.Duration {
	return time.Duration(u.QueryAnalysisIntervalMinutes) * time.Minute
}

// IndexAuditInterval returns the standalone index-audit cadence.
func (u UpholderConfig) IndexAuditInterval() time.Duration {
	return time.Duration(u.IndexAuditIntervalMinutes) * time.Minute
}

// CacheMonitoringInterval returns the cache sampling cadence.
func (u UpholderConfig) CacheMonitoringInterval() time.Duration {
	return time.Duration(u.CacheMonitoringIntervalMinutes) * time.Minute
}

// BulkOptimizationInterval returns the lightweight check cadence.
func (u UpholderConfig) BulkOptimizationInterval() time.Duration {
	return time.Duration(u.BulkOptimizationIntervalMinutes) * time.Minute
}

// PoolSampleInterval returns the pool metrics sampling cadence.
func (u UpholderConfig) PoolSampleInterval() time.Duration {
	return time.Duration(u.PoolSampleIntervalSeconds) * time.Second
}

// AlertCooldown returns the alert de-duplication window.
func (u UpholderConfig) AlertCooldown() time.Duration {
	return time.Duration(u.AlertCooldownMinutes) * time.Minute
}

// LoadConfig loads configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.overrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnvVars expands ${VAR} or $VAR patterns in the input string
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)
	return re.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if match[1] == '{' {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "postgres",
			SSLMode:  "disable",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Upholder: DefaultUpholderConfig(),
	}
}

// DefaultUpholderConfig returns the documented upholder defaults:
// hourly full audits, 4-hourly index audits, 15-minute bulk checks,
// dry-run on, auto index deletion off.
func DefaultUpholderConfig() UpholderConfig {
	return UpholderConfig{
		QueryAnalysisIntervalMinutes:    60,
		IndexAuditIntervalMinutes:       240,
		CacheMonitoringIntervalMinutes:  5,
		BulkOptimizationIntervalMinutes: 15,
		PoolSampleIntervalSeconds:       60,
		SlowQueryThresholdMs:            1000,
		SlowQueryMinCalls:               10,
		CacheHitRatioMinimum:            95,
		AutoApplySafeOptimizations:      false,
		AutoDeleteUnusedIndexes:         false,
		DryRunMode:                      true,
		UnusedIndexAgeDays:              30,
		UnusedIndexMaxSizeMB:            100,
		EnableAlerts:                    true,
		AlertCooldownMinutes:            60,
	}
}

// overrideFromEnv overrides configuration with environment variables
func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		c.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			c.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		c.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		c.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		c.Database.Database = dbName
	}
	if sslMode := os.Getenv("DATABASE_SSLMODE"); sslMode != "" {
		c.Database.SSLMode = sslMode
	}

	if dryRun := os.Getenv("UPHOLDER_DRY_RUN"); dryRun != "" {
		if b, err := strconv.ParseBool(dryRun); err == nil {
			c.Upholder.DryRunMode = b
		}
	}
	if autoApply := os.Getenv("UPHOLDER_AUTO_APPLY"); autoApply != "" {
		if b, err := strconv.ParseBool(autoApply); err == nil {
			c.Upholder.AutoApplySafeOptimizations = b
		}
	}
	if autoDelete := os.Getenv("UPHOLDER_AUTO_DELETE_INDEXES"); autoDelete != "" {
		if b, err := strconv.ParseBool(autoDelete); err == nil {
			c.Upholder.AutoDeleteUnusedIndexes = b
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return c.Upholder.Validate()
}

// Validate checks the upholder options for nonsensical values.
func (u UpholderConfig) Validate() error {
	if u.QueryAnalysisIntervalMinutes <= 0 {
		return fmt.Errorf("query analysis interval must be positive, got %d", u.QueryAnalysisIntervalMinutes)
	}
	if u.IndexAuditIntervalMinutes <= 0 {
		return fmt.Errorf("index audit interval must be positive, got %d", u.IndexAuditIntervalMinutes)
	}
	if u.CacheMonitoringIntervalMinutes <= 0 {
		return fmt.Errorf("cache monitoring interval must be positive, got %d", u.CacheMonitoringIntervalMinutes)
	}
	if u.BulkOptimizationIntervalMinutes <= 0 {
		return fmt.Errorf("bulk optimization interval must be positive, got %d", u.BulkOptimizationIntervalMinutes)
	}
	if u.PoolSampleIntervalSeconds <= 0 {
		return fmt.Errorf("pool sample interval must be positive, got %d", u.PoolSampleIntervalSeconds)
	}
	if u.SlowQueryThresholdMs <= 0 {
		return fmt.Errorf("slow query threshold must be positive, got %.1f", u.SlowQueryThresholdMs)
	}
	if u.CacheHitRatioMinimum < 0 || u.CacheHitRatioMinimum > 100 {
		return fmt.Errorf("cache hit ratio minimum must be within [0, 100], got %.1f", u.CacheHitRatioMinimum)
	}
	if u.UnusedIndexAgeDays < 0 {
		return fmt.Errorf("unused index age days must not be negative, got %d", u.UnusedIndexAgeDays)
	}
	if u.UnusedIndexMaxSizeMB < 0 {
		return fmt.Errorf("unused index max size must not be negative, got %d", u.UnusedIndexMaxSizeMB)
	}
	if u.AlertCooldownMinutes < 0 {
		return fmt.Errorf("alert cooldown must not be negative, got %d", u.AlertCooldownMinutes)
	}
	return nil
}
