// telemetryd ingests assistant telemetry events from the bus, tails each
// platform's on-disk sources, tracks session lifecycle, and durably
// persists traces (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tracehub/telemetryd/pkg/cdc"
	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/consumer"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/session"
	"github.com/tracehub/telemetryd/pkg/store"
	"github.com/tracehub/telemetryd/pkg/watcher/kvdb"
	"github.com/tracehub/telemetryd/pkg/watcher/transcript"
)

const (
	storeBusyTimeout  = 5 * time.Second
	cursorBusyTimeout = 1500 * time.Millisecond
	shutdownGrace     = 15 * time.Second
	sessionTimeout    = 24 * time.Hour
	sweepInterval     = time.Hour
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./config/telemetry.yaml"), "Path to the configuration file")
	pidFile := flag.String("pid-file", getEnv("PID_FILE", ""), "Path to write the daemon's PID file")
	flag.Parse()

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("could not load %s: %v (continuing with existing environment)", envPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	logPath := filepath.Join(filepath.Dir(cfg.Paths.SQLStorePath), "telemetryd.log")
	closeLog := setupLogging(cfg.Logging, logPath)
	defer closeLog()

	pidPath := *pidFile
	if pidPath == "" {
		pidPath = filepath.Join(filepath.Dir(cfg.Paths.SQLStorePath), "telemetryd.pid")
	}
	if err := writePIDFile(pidPath); err != nil {
		slog.Error("failed to write pid file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("telemetryd exited with error", "error", err)
		os.Exit(1)
	}
}

// setupLogging wires the daemon's slog default logger to a rotating file
// sink (spec §6 logging.rotation.*), using the teacher's everywhere-else
// log/slog convention with lumberjack for rotation (SPEC_FULL.md's ambient
// logging stack).
func setupLogging(cfg config.LoggingConfig, logPath string) func() {
	var writer *lumberjack.Logger
	var out = os.Stderr

	if cfg.Rotation.BackupCount > 0 || cfg.Rotation.MaxSizeMB > 0 {
		_ = os.MkdirAll(filepath.Dir(logPath), 0o755)
		writer = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxOr(cfg.Rotation.MaxSizeMB, 100),
			MaxBackups: cfg.Rotation.BackupCount,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if writer != nil {
		if cfg.Format == "text" {
			handler = slog.NewTextHandler(writer, opts)
		} else {
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		if cfg.Format == "text" {
			handler = slog.NewTextHandler(out, opts)
		} else {
			handler = slog.NewJSONHandler(out, opts)
		}
	}
	slog.SetDefault(slog.New(handler))

	return func() {
		if writer != nil {
			_ = writer.Close()
		}
	}
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// run wires every component described in SPEC_FULL.md's cmd/telemetryd
// module: watchers -> lifecycle listener -> eventbus -> consumers -> CDC ->
// sweepers, then blocks until ctx is cancelled and shuts everything down
// within a bounded grace period.
func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, store.Config{
		Path:        cfg.Paths.SQLStorePath,
		BusyTimeout: storeBusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(cfg.Redis)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("ping event bus: %w", err)
	}

	publisher := cdc.New(bus, cfg.Streams.CDC)

	manager := session.NewManager(st, nil)

	listener := session.NewListener(bus, manager, eventbus.StreamEvents, "session-listener-1")
	if err := listener.Recover(ctx); err != nil {
		return fmt.Errorf("recover session listener: %w", err)
	}
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("session listener stopped unexpectedly", "error", err)
		}
	}()

	sweeperClaude := session.NewSweeper(manager, config.PlatformClaude, sessionTimeout, sweepInterval)
	sweeperCursor := session.NewSweeper(manager, config.PlatformCursor, sessionTimeout, sweepInterval)
	sweeperClaude.Start(ctx)
	sweeperCursor.Start(ctx)
	defer sweeperClaude.Stop()
	defer sweeperCursor.Stop()

	if cfg.Monitoring.ClaudeJSONL.Enabled {
		transcriptWatcher := transcript.New(cfg.Paths.ClaudeProjectsDir, cfg.Monitoring.ClaudeJSONL.PollInterval(), bus, eventbus.StreamEvents, cfg.Streams.Events, manager)
		transcriptWatcher.Start(ctx)
		defer transcriptWatcher.Stop()
	}

	if cfg.Monitoring.UnifiedCursor.Enabled {
		workspaceStorageRoot := filepath.Join(cfg.Paths.CursorUserDataDir, "workspaceStorage")
		globalDBPath := filepath.Join(cfg.Paths.CursorUserDataDir, "globalStorage", "state.vscdb")
		resolver := kvdb.NewResolver(st, workspaceStorageRoot, cursorBusyTimeout)

		kvWatcher, err := kvdb.New(resolver, globalDBPath, bus, eventbus.StreamEvents, cfg.Streams.Events, cursorBusyTimeout, manager)
		if err != nil {
			return fmt.Errorf("build kv watcher: %w", err)
		}
		kvWatcher.Start(ctx)
		defer kvWatcher.Stop()
	}

	claudeConsumer := consumer.NewClaudeConsumer(bus, st, publisher, *cfg, "claude-consumer-1")
	cursorConsumer := consumer.NewCursorConsumer(bus, st, publisher, *cfg, "cursor-consumer-1")
	if err := claudeConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start claude consumer: %w", err)
	}
	if err := cursorConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start cursor consumer: %w", err)
	}

	slog.Info("telemetryd started",
		"sql_store_path", cfg.Paths.SQLStorePath,
		"claude_jsonl_enabled", cfg.Monitoring.ClaudeJSONL.Enabled,
		"unified_cursor_enabled", cfg.Monitoring.UnifiedCursor.Enabled,
	)

	<-ctx.Done()
	slog.Info("telemetryd shutting down", "grace_period", shutdownGrace)

	claudeConsumer.Stop()
	cursorConsumer.Stop()

	return nil
}
