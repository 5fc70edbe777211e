package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration. Load order is
// defaults -> file(s) -> environment overrides -> CLI flags (CLI flags are
// applied by cmd/harmonyd after LoadFromFiles returns, since flag parsing
// happens in main).
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	SQLite      SQLiteConfig      `toml:"sqlite"`
	Artifacts   BadgerConfig      `toml:"artifacts"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Limits      LimitsConfig      `toml:"limits"`
	K8s         K8sConfig         `toml:"k8s"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05.000"
}

// SQLiteConfig configures the relational store backing jobs, workflow
// steps, work items, and user-work aggregates.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	WALMode        bool   `toml:"wal_mode"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// BadgerConfig configures the embedded object store backing ArtifactCatalog
// documents.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// SchedulerConfig tunes the fair-queue dispatch algorithm (spec §4.1).
type SchedulerConfig struct {
	DefaultBatchSize int     `toml:"default_batch_size"`
	DispatchRateHz   float64 `toml:"dispatch_rate_hz"` // rate.Limiter token rate for GetWork pacing
}

// MaintenanceConfig carries the cron expressions and thresholds for the
// five background loops (spec §4.6, §6).
type MaintenanceConfig struct {
	WorkReaperCron         string `toml:"work_reaper_cron"`
	WorkReaperBatchSize    int    `toml:"work_reaper_batch_size"`
	ReapableWorkAgeMinutes int    `toml:"reapable_work_age_minutes"`

	UserWorkUpdaterCron       string `toml:"user_work_updater_cron"`
	UserWorkExpirationMinutes int    `toml:"user_work_expiration_minutes"`

	RestartPrometheusCron string `toml:"restart_prometheus_cron"`

	PublishServiceFailureMetricsCron string `toml:"publish_service_failure_metrics_cron"`
	FailureMetricsLookBackMinutes    int    `toml:"failure_metrics_lookback_minutes"`

	MemoryUsageCollectorCron            string `toml:"memory_usage_collector_cron"`
	MemoryUsageCollectorLookBackMinutes int    `toml:"memory_usage_collector_lookback_minutes"`
	MemoryUsageBucket                   string `toml:"memory_usage_bucket"`

	LockLeaseSeconds int `toml:"lock_lease_seconds"`

	// Services lists every backend serviceID the Prometheus watchdog,
	// failure-rate publisher and memory-usage snapshotter loops sweep per
	// tick. Work reaping and
	// user-work reconciliation are job-scoped and don't need this list.
	Services []string `toml:"services"`
}

// LimitsConfig carries the per-job/per-step numeric budgets referenced
// throughout §4.2-§4.5.
type LimitsConfig struct {
	AggregateStacCatalogMaxPageSize int `toml:"aggregate_stac_catalog_max_page_size"`
	CmrMaxPageSize                  int `toml:"cmr_max_page_size"`
	MaxErrorsForJob                 int `toml:"max_errors_for_job"`
	MaxRetries                      int `toml:"max_retries"`
}

// K8sConfig points the ContainerOrchestrator at the cluster backend
// services run on (spec.md §4.6 "Prometheus watchdog", "memory-usage
// snapshotter").
type K8sConfig struct {
	Enabled         bool   `toml:"enabled"`
	Namespace       string `toml:"namespace"`
	Kubeconfig      string `toml:"kubeconfig"`        // empty means in-cluster config
	MetricsSidecar  string `toml:"metrics_sidecar"`   // container name checked for readiness
	ServiceLabelKey string `toml:"service_label_key"` // pod label identifying which service owns a pod
}

// NewDefaultConfig returns the baseline configuration before any file or
// environment override is applied.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8000,
			Host: "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		SQLite: SQLiteConfig{
			Path:          "./data/harmony.db",
			WALMode:       true,
			BusyTimeoutMS: 5000,
			CacheSizeMB:   64,
		},
		Artifacts: BadgerConfig{
			Path: "./data/artifacts",
		},
		Scheduler: SchedulerConfig{
			DefaultBatchSize: 20,
			DispatchRateHz:   50,
		},
		Maintenance: MaintenanceConfig{
			WorkReaperCron:         "*/15 * * * *",
			WorkReaperBatchSize:    500,
			ReapableWorkAgeMinutes: 4320, // 3 days

			UserWorkUpdaterCron:       "*/10 * * * *",
			UserWorkExpirationMinutes: 60,

			RestartPrometheusCron: "*/5 * * * *",

			PublishServiceFailureMetricsCron: "*/5 * * * *",
			FailureMetricsLookBackMinutes:    60,

			MemoryUsageCollectorCron:            "0 * * * *",
			MemoryUsageCollectorLookBackMinutes: 60,
			MemoryUsageBucket:                   "harmony-memory-metrics",

			LockLeaseSeconds: 300,
		},
		Limits: LimitsConfig{
			AggregateStacCatalogMaxPageSize: 2000,
			CmrMaxPageSize:                  2000,
			MaxErrorsForJob:                 0,
			MaxRetries:                      3,
		},
		K8s: K8sConfig{
			Enabled:         false,
			Namespace:       "harmony",
			MetricsSidecar:  "metrics-sidecar",
			ServiceLabelKey: "harmony.io/service-id",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 ->
// file2 -> ... -> env. Later files override earlier files; environment
// variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies HARMONY_* environment variable overrides,
// mirroring the precedence rule documented on LoadFromFiles.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARMONY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARMONY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARMONY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if level := os.Getenv("HARMONY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("HARMONY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if path := os.Getenv("HARMONY_SQLITE_PATH"); path != "" {
		config.SQLite.Path = path
	}
	if path := os.Getenv("HARMONY_ARTIFACTS_PATH"); path != "" {
		config.Artifacts.Path = path
	}

	if v := os.Getenv("HARMONY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Limits.MaxRetries = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_ERRORS_FOR_JOB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Limits.MaxErrorsForJob = n
		}
	}
	if v := os.Getenv("HARMONY_DEFAULT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.DefaultBatchSize = n
		}
	}
}

// ApplyFlagOverrides applies the final precedence tier, CLI flags, on top
// of a config already built by LoadFromFiles+applyEnvOverrides. Zero values
// (port==0, host=="") mean "flag not set" and are left alone.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ValidateCronSchedule validates a 5-field cron expression and rejects
// sub-minute-resolution schedules that would thrash the maintenance loops.
func ValidateCronSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 1-minute interval (bare '*' is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 1 {
			return fmt.Errorf("schedule interval must be at least 1 minute, got %d", interval)
		}
	}

	return nil
}

// IsProduction reports whether the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct so callers
// holding a shared *Config (e.g. the HTTP server) never observe a mutation
// made by a concurrent config reload.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}
	if len(c.Maintenance.Services) > 0 {
		clone.Maintenance.Services = make([]string, len(c.Maintenance.Services))
		copy(clone.Maintenance.Services, c.Maintenance.Services)
	}
	return &clone
}
