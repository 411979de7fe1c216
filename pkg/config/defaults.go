package config

import "time"

// DefaultConfig returns the package's built-in defaults, used for any
// section or field missing from the YAML document (spec: "missing
// sections fall back to defaults").
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Connection: RedisConnectionConfig{
				Host: "127.0.0.1",
				Port: 6379,
				DB:   0,
			},
			ConnectionPool: RedisConnectionPoolConfig{
				SocketTimeout:        2 * time.Second,
				SocketConnectTimeout: 2 * time.Second,
				MaxConnections:       20,
			},
		},
		Streams: StreamsConfig{
			Events: StreamConfig{
				MaxLength: 10_000, BlockMs: time.Second, Count: 100, TrimApproximate: true,
			},
			CDC: StreamConfig{
				MaxLength: 100_000, BlockMs: time.Second, Count: 100, TrimApproximate: true,
			},
			DLQ: StreamConfig{
				MaxLength: 1_000, BlockMs: time.Second, Count: 100, TrimApproximate: true,
			},
			MessageQueue: StreamConfig{
				MaxLength: 10_000, BlockMs: time.Second, Count: 100, TrimApproximate: true,
			},
		},
		Monitoring: MonitoringConfig{
			CursorDatabase: WatcherConfig{Enabled: true, PollIntervalSeconds: 60},
			CursorMarkdown: WatcherConfig{Enabled: false, PollIntervalSeconds: 60},
			UnifiedCursor:  WatcherConfig{Enabled: true, PollIntervalSeconds: 60},
			ClaudeJSONL:    WatcherConfig{Enabled: true, PollIntervalSeconds: 30},
		},
		Paths: PathsConfig{
			ClaudeProjectsDir:  "~/.claude/projects",
			CursorUserDataDir:  "~/.config/Cursor/User",
			SQLStorePath:       "~/.local/share/telemetryd/traces.db",
			WorkspaceCachePath: "~/.local/share/telemetryd/workspace-cache.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Rotation: RotationConfig{
				BackupCount: 5,
				MaxSizeMB:   100,
				MaxAgeDays:  28,
			},
		},
		Batching: BatchingConfig{
			DefaultSize:   100,
			DefaultTimeout: 100 * time.Millisecond,
			MaxSize:       1000,
			MinSize:       10,
			TargetLatency: 10 * time.Millisecond,
		},
	}
}
