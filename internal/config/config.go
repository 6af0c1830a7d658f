// Package config handles loading, defaulting, and validation of the FleetSync
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups. Secrets
// (Supabase keys, session secret) come from the environment, not the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server   ServerConfig   `toml:"server"   json:"server"`
	Logging  LoggingConfig  `toml:"logging"  json:"logging"`
	Realtime RealtimeConfig `toml:"realtime" json:"realtime"`
	Supabase SupabaseConfig `toml:"supabase" json:"supabase"`
}

type ServerConfig struct {
	Bind        string `toml:"bind"         json:"bind"`
	MetricsBind string `toml:"metrics_bind" json:"metrics_bind"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

type RealtimeConfig struct {
	HeartbeatSeconds         int   `toml:"heartbeat_seconds"          json:"heartbeat_seconds"`
	HealthCheckSeconds       int   `toml:"health_check_seconds"       json:"health_check_seconds"`
	PresenceHeartbeatSeconds int   `toml:"presence_heartbeat_seconds" json:"presence_heartbeat_seconds"`
	MaxReconnectAttempts     int   `toml:"max_reconnect_attempts"     json:"max_reconnect_attempts"`
	BackoffLadderMs          []int `toml:"backoff_ladder_ms"          json:"backoff_ladder_ms"`
	MaxBackoffMs             int   `toml:"max_backoff_ms"             json:"max_backoff_ms"`
	TypingTimeoutMs          int   `toml:"typing_timeout_ms"          json:"typing_timeout_ms"`
	BaseThrottleMs           int   `toml:"base_throttle_ms"           json:"base_throttle_ms"`
	OptimisticMaxAgeSeconds  int   `toml:"optimistic_max_age_seconds" json:"optimistic_max_age_seconds"`
}

type SupabaseConfig struct {
	// URL is the project REST URL; the realtime websocket endpoint is
	// derived from it. The API keys are read from SUPABASE_URL /
	// SUPABASE_SERVICE_KEY environment variables, never from the file.
	RealtimeEndpoint string `toml:"realtime_endpoint" json:"realtime_endpoint"`
	Schema           string `toml:"schema"            json:"schema"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:        "0.0.0.0:8080",
			MetricsBind: "0.0.0.0:9091",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Realtime: RealtimeConfig{
			HeartbeatSeconds:         25,
			HealthCheckSeconds:       10,
			PresenceHeartbeatSeconds: 30,
			MaxReconnectAttempts:     10,
			BackoffLadderMs:          []int{1000, 2000, 4000, 8000, 15000},
			MaxBackoffMs:             30000,
			TypingTimeoutMs:          3000,
			BaseThrottleMs:           1000,
			OptimisticMaxAgeSeconds:  30,
		},
		Supabase: SupabaseConfig{
			Schema: "public",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Bind == "" {
		return errors.New("server.bind must not be empty")
	}
	if cfg.Realtime.MaxReconnectAttempts <= 0 {
		return errors.New("realtime.max_reconnect_attempts must be positive")
	}
	if len(cfg.Realtime.BackoffLadderMs) == 0 {
		return errors.New("realtime.backoff_ladder_ms must not be empty")
	}
	for i, ms := range cfg.Realtime.BackoffLadderMs {
		if ms <= 0 {
			return fmt.Errorf("realtime.backoff_ladder_ms[%d] must be positive", i)
		}
	}
	if cfg.Realtime.MaxBackoffMs < cfg.Realtime.BackoffLadderMs[len(cfg.Realtime.BackoffLadderMs)-1] {
		return errors.New("realtime.max_backoff_ms must be at least the last ladder value")
	}
	if cfg.Realtime.TypingTimeoutMs <= 0 {
		return errors.New("realtime.typing_timeout_ms must be positive")
	}
	if cfg.Realtime.HeartbeatSeconds <= 0 || cfg.Realtime.HealthCheckSeconds <= 0 {
		return errors.New("realtime heartbeat and health check intervals must be positive")
	}
	return nil
}

// BackoffLadder converts the configured ladder to durations.
func (r RealtimeConfig) BackoffLadder() []time.Duration {
	ladder := make([]time.Duration, len(r.BackoffLadderMs))
	for i, ms := range r.BackoffLadderMs {
		ladder[i] = time.Duration(ms) * time.Millisecond
	}
	return ladder
}
