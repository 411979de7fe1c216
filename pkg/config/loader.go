// Package config loads and validates the daemon's configuration document.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load the YAML document from path (if it exists)
//  2. Expand environment variables
//  3. Merge onto package defaults (YAML overrides defaults, never the reverse)
//  4. Expand "~" in path fields
//  5. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"redis_addr", fmt.Sprintf("%s:%d", cfg.Redis.Connection.Host, cfg.Redis.Connection.Port),
		"sql_store_path", cfg.Paths.SQLStorePath)

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		expandPaths(cfg)
		return cfg, nil
	}

	doc, err := loadYAML(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Configuration file not found, using built-in defaults", "path", path)
			expandPaths(cfg)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	if err := mergeDoc(cfg, doc); err != nil {
		return nil, NewLoadError(path, err)
	}

	expandPaths(cfg)
	return cfg, nil
}

func loadYAML(path string) (*telemetryYAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = ExpandEnv(data)

	var doc telemetryYAMLConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &doc, nil
}

// mergeDoc merges a partial YAML document onto the resolved defaults.
// Each section is merged independently so an omitted section keeps its
// full set of defaults rather than being zeroed out.
func mergeDoc(cfg *Config, doc *telemetryYAMLConfig) error {
	if doc.Redis != nil {
		if doc.Redis.Connection != nil {
			if err := mergo.Merge(&cfg.Redis.Connection, doc.Redis.Connection, mergo.WithOverride); err != nil {
				return err
			}
		}
		if doc.Redis.ConnectionPool != nil {
			if err := mergo.Merge(&cfg.Redis.ConnectionPool, doc.Redis.ConnectionPool, mergo.WithOverride); err != nil {
				return err
			}
		}
	}

	if doc.Streams != nil {
		for _, pair := range []struct {
			dst *StreamConfig
			src *StreamConfig
		}{
			{&cfg.Streams.Events, doc.Streams.Events},
			{&cfg.Streams.CDC, doc.Streams.CDC},
			{&cfg.Streams.DLQ, doc.Streams.DLQ},
			{&cfg.Streams.MessageQueue, doc.Streams.MessageQueue},
		} {
			if pair.src == nil {
				continue
			}
			if err := mergo.Merge(pair.dst, pair.src, mergo.WithOverride); err != nil {
				return err
			}
		}
	}

	if doc.Monitoring != nil {
		for _, pair := range []struct {
			dst *WatcherConfig
			src *WatcherConfig
		}{
			{&cfg.Monitoring.CursorDatabase, doc.Monitoring.CursorDatabase},
			{&cfg.Monitoring.CursorMarkdown, doc.Monitoring.CursorMarkdown},
			{&cfg.Monitoring.UnifiedCursor, doc.Monitoring.UnifiedCursor},
			{&cfg.Monitoring.ClaudeJSONL, doc.Monitoring.ClaudeJSONL},
		} {
			if pair.src == nil {
				continue
			}
			if err := mergo.Merge(pair.dst, pair.src, mergo.WithOverride); err != nil {
				return err
			}
		}
	}

	if doc.Paths != nil {
		if doc.Paths.ClaudeProjectsDir != "" {
			cfg.Paths.ClaudeProjectsDir = doc.Paths.ClaudeProjectsDir
		}
		if doc.Paths.CursorUserDataDir != "" {
			cfg.Paths.CursorUserDataDir = doc.Paths.CursorUserDataDir
		}
		if doc.Paths.SQLStorePath != "" {
			cfg.Paths.SQLStorePath = doc.Paths.SQLStorePath
		}
		if doc.Paths.WorkspaceCachePath != "" {
			cfg.Paths.WorkspaceCachePath = doc.Paths.WorkspaceCachePath
		}
	}

	if doc.Logging != nil {
		if doc.Logging.Level != "" {
			cfg.Logging.Level = doc.Logging.Level
		}
		if doc.Logging.Format != "" {
			cfg.Logging.Format = doc.Logging.Format
		}
		if doc.Logging.Rotation != nil {
			if err := mergo.Merge(&cfg.Logging.Rotation, doc.Logging.Rotation, mergo.WithOverride); err != nil {
				return err
			}
		}
	}

	if doc.Batching != nil {
		if err := mergo.Merge(&cfg.Batching, doc.Batching, mergo.WithOverride); err != nil {
			return err
		}
	}

	return nil
}

// expandPaths resolves a leading "~" to the user's home directory in every
// path field.
func expandPaths(cfg *Config) {
	cfg.Paths.ClaudeProjectsDir = expandHome(cfg.Paths.ClaudeProjectsDir)
	cfg.Paths.CursorUserDataDir = expandHome(cfg.Paths.CursorUserDataDir)
	cfg.Paths.SQLStorePath = expandHome(cfg.Paths.SQLStorePath)
	cfg.Paths.WorkspaceCachePath = expandHome(cfg.Paths.WorkspaceCachePath)
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
