package config

import "time"

// Config is the fully-resolved, validated configuration document used by
// every component of the daemon. It is built by Initialize from a YAML file
// plus environment overrides and package-level defaults.
type Config struct {
	Redis      RedisConfig      `yaml:"-"`
	Streams    StreamsConfig    `yaml:"-"`
	Monitoring MonitoringConfig `yaml:"-"`
	Paths      PathsConfig      `yaml:"-"`
	Logging    LoggingConfig    `yaml:"-"`
	Batching   BatchingConfig   `yaml:"-"`
}

// RedisConfig describes how to reach the event bus broker.
type RedisConfig struct {
	Connection     RedisConnectionConfig     `yaml:"connection"`
	ConnectionPool RedisConnectionPoolConfig `yaml:"connection_pool"`
}

// RedisConnectionConfig is the bus endpoint.
type RedisConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RedisConnectionPoolConfig bounds how long callers wait on the pool.
type RedisConnectionPoolConfig struct {
	SocketTimeout        time.Duration `yaml:"socket_timeout"`
	SocketConnectTimeout time.Duration `yaml:"socket_connect_timeout"`
	MaxConnections       int           `yaml:"max_connections"`
}

// StreamConfig describes a single logical stream's limits.
type StreamConfig struct {
	MaxLength      int64         `yaml:"max_length"`
	BlockMs        time.Duration `yaml:"block_ms"`
	Count          int64         `yaml:"count"`
	TrimApproximate bool         `yaml:"trim_approximate"`
}

// StreamsConfig holds the per-stream settings for events, CDC, DLQ and the
// legacy message_queue alias.
type StreamsConfig struct {
	Events       StreamConfig `yaml:"events"`
	CDC          StreamConfig `yaml:"cdc"`
	DLQ          StreamConfig `yaml:"dlq"`
	MessageQueue StreamConfig `yaml:"message_queue"`
}

// WatcherConfig toggles and paces one source watcher.
type WatcherConfig struct {
	Enabled            bool          `yaml:"enabled"`
	PollIntervalSeconds int          `yaml:"poll_interval_seconds"`
}

// PollInterval returns the configured poll interval as a time.Duration.
func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// MonitoringConfig carries the per-watcher toggles and cadence.
type MonitoringConfig struct {
	CursorDatabase  WatcherConfig `yaml:"cursor_database"`
	CursorMarkdown  WatcherConfig `yaml:"cursor_markdown"`
	UnifiedCursor   WatcherConfig `yaml:"unified_cursor"`
	ClaudeJSONL     WatcherConfig `yaml:"claude_jsonl"`
}

// PathsConfig holds on-disk locations, with "~" expansion already applied.
type PathsConfig struct {
	ClaudeProjectsDir string `yaml:"claude_projects_dir"`
	CursorUserDataDir string `yaml:"cursor_user_data_dir"`
	SQLStorePath      string `yaml:"sql_store_path"`
	WorkspaceCachePath string `yaml:"workspace_cache_path"`
}

// LoggingConfig controls the slog handler and its rotation.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"` // "json" or "text"
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig backs logging.rotation.backup_count.
type RotationConfig struct {
	BackupCount int `yaml:"backup_count"`
	MaxSizeMB   int `yaml:"max_size_mb"`
	MaxAgeDays  int `yaml:"max_age_days"`
}

// BatchingConfig seeds the fast-path consumer's adaptive batch sizer.
type BatchingConfig struct {
	DefaultSize      int           `yaml:"default_size"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxSize          int           `yaml:"max_size"`
	MinSize          int           `yaml:"min_size"`
	TargetLatency    time.Duration `yaml:"target_latency"`
}

// telemetryYAMLConfig mirrors the on-disk YAML document shape, kept distinct
// from Config so that zero-value detection (pointers/omitempty) during
// merge doesn't leak into the resolved, always-populated Config.
type telemetryYAMLConfig struct {
	Redis      *redisYAML      `yaml:"redis"`
	Streams    *streamsYAML    `yaml:"streams"`
	Monitoring *monitoringYAML `yaml:"monitoring"`
	Paths      *pathsYAML      `yaml:"paths"`
	Logging    *loggingYAML    `yaml:"logging"`
	Batching   *BatchingConfig `yaml:"batching"`
}

type redisYAML struct {
	Connection     *RedisConnectionConfig     `yaml:"connection"`
	ConnectionPool *RedisConnectionPoolConfig `yaml:"connection_pool"`
}

type streamsYAML struct {
	Events       *StreamConfig `yaml:"events"`
	CDC          *StreamConfig `yaml:"cdc"`
	DLQ          *StreamConfig `yaml:"dlq"`
	MessageQueue *StreamConfig `yaml:"message_queue"`
}

type monitoringYAML struct {
	CursorDatabase *WatcherConfig `yaml:"cursor_database"`
	CursorMarkdown *WatcherConfig `yaml:"cursor_markdown"`
	UnifiedCursor  *WatcherConfig `yaml:"unified_cursor"`
	ClaudeJSONL    *WatcherConfig `yaml:"claude_jsonl"`
}

type pathsYAML struct {
	ClaudeProjectsDir  string `yaml:"claude_projects_dir"`
	CursorUserDataDir  string `yaml:"cursor_user_data_dir"`
	SQLStorePath       string `yaml:"sql_store_path"`
	WorkspaceCachePath string `yaml:"workspace_cache_path"`
}

type loggingYAML struct {
	Level    string          `yaml:"level"`
	Format   string          `yaml:"format"`
	Rotation *RotationConfig `yaml:"rotation"`
}
