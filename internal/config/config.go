// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	DB           DBConfig           `mapstructure:"db"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Snapshots    SnapshotsConfig    `mapstructure:"snapshots"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_seconds"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// ShutdownTimeout bounds graceful shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// CrawlerConfig governs page fetching.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// Timeout returns the per-fetch deadline.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrchestratorConfig governs probe execution and retry behavior.
type OrchestratorConfig struct {
	AttemptTimeoutSec int  `mapstructure:"attempt_timeout_seconds"`
	MaxRetries        int  `mapstructure:"max_retries"`
	RetryEnabled      bool `mapstructure:"retry_enabled"`
	BaseBackoffMs     int  `mapstructure:"base_backoff_ms"`
	MinContentLength  int  `mapstructure:"min_content_length"`
}

// AttemptTimeout bounds a single probe attempt.
func (o OrchestratorConfig) AttemptTimeout() time.Duration {
	return time.Duration(o.AttemptTimeoutSec) * time.Second
}

// BaseBackoff is the first retry delay; subsequent delays double.
func (o OrchestratorConfig) BaseBackoff() time.Duration {
	return time.Duration(o.BaseBackoffMs) * time.Millisecond
}

// SchedulerConfig governs batch auditing runs.
type SchedulerConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	BatchSize          int  `mapstructure:"batch_size"`
	DispatchIntervalMs int  `mapstructure:"dispatch_interval_ms"`
	StaleAfterMinutes  int  `mapstructure:"stale_after_minutes"`
}

// DispatchInterval is the pause between individual job dispatches.
func (s SchedulerConfig) DispatchInterval() time.Duration {
	return time.Duration(s.DispatchIntervalMs) * time.Millisecond
}

// StaleAfter is the age past which an in-progress audit is superseded.
func (s SchedulerConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMinutes) * time.Minute
}

// AlertsConfig governs alert dispatch. An empty project id selects the
// log-only transport.
type AlertsConfig struct {
	BatchLimit      int    `mapstructure:"batch_limit"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	ProjectID       string `mapstructure:"project_id"`
	TopicName       string `mapstructure:"topic_name"`
}

// Interval is the pause between dispatcher sweeps.
func (a AlertsConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// SnapshotsConfig sets the destination for raw HTML archives. An empty
// bucket disables archiving.
type SnapshotsConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// AnalysisConfig governs historical trend analysis.
type AnalysisConfig struct {
	TrajectoryDays int `mapstructure:"trajectory_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("crawler.user_agent", "site-auditor-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("orchestrator.attempt_timeout_seconds", 30)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.retry_enabled", true)
	v.SetDefault("orchestrator.base_backoff_ms", 1000)
	v.SetDefault("orchestrator.min_content_length", 100)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.dispatch_interval_ms", 2000)
	v.SetDefault("scheduler.stale_after_minutes", 120)
	v.SetDefault("alerts.batch_limit", 50)
	v.SetDefault("alerts.interval_seconds", 60)
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("analysis.trajectory_days", 90)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Orchestrator.AttemptTimeoutSec <= 0 {
		return fmt.Errorf("orchestrator.attempt_timeout_seconds must be > 0")
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be >= 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Alerts.BatchLimit <= 0 {
		return fmt.Errorf("alerts.batch_limit must be > 0")
	}
	if c.Alerts.ProjectID != "" && c.Alerts.TopicName == "" {
		return fmt.Errorf("alerts.topic_name must be set when alerts.project_id is set")
	}
	if c.Analysis.TrajectoryDays <= 0 {
		return fmt.Errorf("analysis.trajectory_days must be > 0")
	}
	return nil
}
