package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetsync.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Bind != "0.0.0.0:8080" {
		t.Errorf("bind = %s", cfg.Server.Bind)
	}
	if cfg.Realtime.MaxReconnectAttempts != 10 {
		t.Errorf("max reconnect attempts = %d, want 10", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.TypingTimeoutMs != 3000 {
		t.Errorf("typing timeout = %d, want 3000", cfg.Realtime.TypingTimeoutMs)
	}
	want := []int{1000, 2000, 4000, 8000, 15000}
	if len(cfg.Realtime.BackoffLadderMs) != len(want) {
		t.Fatalf("ladder = %v, want %v", cfg.Realtime.BackoffLadderMs, want)
	}
	for i, ms := range want {
		if cfg.Realtime.BackoffLadderMs[i] != ms {
			t.Errorf("ladder[%d] = %d, want %d", i, cfg.Realtime.BackoffLadderMs[i], ms)
		}
	}
	if cfg.Supabase.Schema != "public" {
		t.Errorf("schema = %s, want public", cfg.Supabase.Schema)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
bind = "127.0.0.1:9000"

[realtime]
typing_timeout_ms = 5000

[supabase]
realtime_endpoint = "wss://example.supabase.co/realtime/v1/websocket"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Errorf("bind = %s, file value should win", cfg.Server.Bind)
	}
	if cfg.Realtime.TypingTimeoutMs != 5000 {
		t.Errorf("typing timeout = %d, want file override", cfg.Realtime.TypingTimeoutMs)
	}
	// untouched fields keep their defaults
	if cfg.Realtime.HeartbeatSeconds != 25 {
		t.Errorf("heartbeat = %d, want default 25", cfg.Realtime.HeartbeatSeconds)
	}
	if cfg.Supabase.RealtimeEndpoint == "" {
		t.Error("realtime endpoint not read from file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("want an error for a missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty bind", "[server]\nbind = \"\"\n"},
		{"zero reconnect attempts", "[realtime]\nmax_reconnect_attempts = 0\n"},
		{"empty ladder", "[realtime]\nbackoff_ladder_ms = []\n"},
		{"negative ladder rung", "[realtime]\nbackoff_ladder_ms = [1000, -5]\n"},
		{"cap below ladder", "[realtime]\nmax_backoff_ms = 10\n"},
		{"zero typing timeout", "[realtime]\ntyping_timeout_ms = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Errorf("config %q validated, want rejection", tt.body)
			}
		})
	}
}

func TestBackoffLadderConversion(t *testing.T) {
	rc := RealtimeConfig{BackoffLadderMs: []int{1000, 2000, 4000}}
	ladder := rc.BackoffLadder()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(ladder) != len(want) {
		t.Fatalf("ladder = %v, want %v", ladder, want)
	}
	for i := range want {
		if ladder[i] != want[i] {
			t.Errorf("ladder[%d] = %v, want %v", i, ladder[i], want[i])
		}
	}
}
