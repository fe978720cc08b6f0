// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Atelier components.
//
// Configuration is loaded from a single file specified by:
//   - ATELIER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. All
// fields have working defaults, so binaries run without any config file
// when pointed at a server with --server.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the Atelier console's
// telemetry client.
type Config struct {
	// Server configures the backend connection.
	Server ServerConfig `yaml:"server"`

	// Streams configures per-stream-kind reconnection behavior, keyed
	// by stream kind ("logs", "metrics", "samples", "gpu"). Kinds not
	// listed keep their defaults.
	Streams map[string]StreamConfig `yaml:"streams"`

	// Series configures metric series buffering and smoothing.
	Series SeriesConfig `yaml:"series"`

	// Logs configures the visible log buffer.
	Logs LogConfig `yaml:"logs"`
}

// ServerConfig configures the backend connection.
type ServerConfig struct {
	// URL is the websocket base URL of the training backend
	// (e.g., "ws://127.0.0.1:8700"). Stream endpoints are derived from
	// it per channel.
	URL string `yaml:"url"`
}

// StreamConfig tunes reconnection for one stream kind. Telemetry
// side-channels tolerate fewer attempts than the primary log channel.
type StreamConfig struct {
	// BackoffBase is the delay before the first reconnect attempt.
	// Subsequent attempts double it.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffCap bounds the exponential growth.
	BackoffCap Duration `yaml:"backoff_cap"`

	// BackoffJitter is the span of random jitter added to every delay.
	BackoffJitter Duration `yaml:"backoff_jitter"`

	// MaxAttempts is the number of consecutive abnormal closes after
	// which the channel gives up permanently.
	MaxAttempts int `yaml:"max_attempts"`

	// IdleTimeout forces a reconnect cycle when no application message
	// arrives within it. Zero disables the idle check (the protocol
	// defines no heartbeat, so this is opt-in).
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// SeriesConfig configures metric series buffering.
type SeriesConfig struct {
	// Cap is the maximum number of points retained per series. Oldest
	// points are evicted first.
	Cap int `yaml:"cap"`

	// FlushInterval is how often pending points are merged into the
	// render-visible buffers.
	FlushInterval Duration `yaml:"flush_interval"`

	// SmoothingMaxWindow bounds the adaptive moving-average window.
	SmoothingMaxWindow int `yaml:"smoothing_max_window"`
}

// LogConfig configures the visible log buffer.
type LogConfig struct {
	// BufferCap is the maximum number of log lines retained for
	// display. Oldest lines are evicted first.
	BufferCap int `yaml:"buffer_cap"`
}

// Default returns the default configuration. These defaults are a
// working local-development setup, not just zero-value padding.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "ws://127.0.0.1:8700",
		},
		Streams: map[string]StreamConfig{
			"logs": {
				BackoffBase:   Duration(500 * time.Millisecond),
				BackoffCap:    Duration(10 * time.Second),
				BackoffJitter: Duration(250 * time.Millisecond),
				MaxAttempts:   6,
			},
			"metrics": {
				BackoffBase:   Duration(1 * time.Second),
				BackoffCap:    Duration(15 * time.Second),
				BackoffJitter: Duration(500 * time.Millisecond),
				MaxAttempts:   4,
			},
			"samples": {
				BackoffBase:   Duration(1 * time.Second),
				BackoffCap:    Duration(15 * time.Second),
				BackoffJitter: Duration(500 * time.Millisecond),
				MaxAttempts:   4,
			},
			"gpu": {
				BackoffBase:   Duration(2 * time.Second),
				BackoffCap:    Duration(30 * time.Second),
				BackoffJitter: Duration(500 * time.Millisecond),
				MaxAttempts:   3,
			},
		},
		Series: SeriesConfig{
			Cap:                5000,
			FlushInterval:      Duration(1500 * time.Millisecond),
			SmoothingMaxWindow: 50,
		},
		Logs: LogConfig{
			BufferCap: 10000,
		},
	}
}

// EnvConfig is the environment variable naming the config file.
const EnvConfig = "ATELIER_CONFIG"

// Load loads configuration from the ATELIER_CONFIG environment
// variable. There are no fallbacks — if ATELIER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your atelier.yaml config file, or use the --config flag", EnvConfig)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults. The config file is the single source of truth;
// environment variables do not override config values. The only
// expansion performed is ${VAR} substitution in the server URL for
// portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Decode into an overlay first: stream kinds present in the file
	// replace the default entry for that kind only.
	overlay := *cfg
	overlay.Streams = nil
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for kind, streamCfg := range overlay.Streams {
		cfg.Streams[kind] = streamCfg
	}
	overlay.Streams = cfg.Streams
	*cfg = overlay

	cfg.Server.URL = expandVars(cfg.Server.URL)

	return cfg, nil
}

// knownKinds are the stream kinds a config file may tune.
var knownKinds = map[string]bool{
	"logs":    true,
	"metrics": true,
	"samples": true,
	"gpu":     true,
}

// Validate checks the configuration for errors, collecting all
// problems rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL == "" {
		errs = append(errs, fmt.Errorf("server.url is required"))
	}

	for kind, streamCfg := range c.Streams {
		if !knownKinds[kind] {
			errs = append(errs, fmt.Errorf("streams.%s: unknown stream kind", kind))
		}
		if streamCfg.BackoffBase <= 0 {
			errs = append(errs, fmt.Errorf("streams.%s.backoff_base must be positive", kind))
		}
		if streamCfg.BackoffCap < streamCfg.BackoffBase {
			errs = append(errs, fmt.Errorf("streams.%s.backoff_cap must be >= backoff_base", kind))
		}
		if streamCfg.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("streams.%s.max_attempts must be at least 1", kind))
		}
	}

	if c.Series.Cap < 2 {
		errs = append(errs, fmt.Errorf("series.cap must be at least 2"))
	}
	if c.Series.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("series.flush_interval must be positive"))
	}
	if c.Series.SmoothingMaxWindow < 3 {
		errs = append(errs, fmt.Errorf("series.smoothing_max_window must be at least 3"))
	}
	if c.Logs.BufferCap < 1 {
		errs = append(errs, fmt.Errorf("logs.buffer_cap must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "1.5s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// process environment.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
