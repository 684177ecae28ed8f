package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HumanAskTimeout != 30*time.Second {
		t.Fatalf("HumanAskTimeout = %v, want 30s", cfg.HumanAskTimeout)
	}
	if cfg.StreamMode != "http" {
		t.Fatalf("StreamMode = %q, want http", cfg.StreamMode)
	}
	if cfg.StateDSN != "" {
		t.Fatalf("StateDSN = %q, want empty default", cfg.StateDSN)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "eigent.toml")
	body := `
bind_addr = ":7000"
stream_mode = "mock"
human_ask_timeout = "45s"
state_dsn = "sqlite:/tmp/eigent.db"
allow_any_origin = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want env value", cfg.BindAddr)
	}
	if cfg.StreamMode != "mock" || cfg.HumanAskTimeout != 45*time.Second || !cfg.AllowAnyOrigin {
		t.Fatalf("file overlay not applied: %+v", cfg)
	}
	if cfg.StateDSN != "sqlite:/tmp/eigent.db" {
		t.Fatalf("StateDSN = %q", cfg.StateDSN)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STREAM_MODE":            "grpc",
		"HUMAN_ASK_TIMEOUT":      "10ms",
		"ACTIVITY_HISTORY_LIMIT": "0",
		"APP_ALLOW_ANY_ORIGIN":   "maybe",
		"LOG_FORMAT":             "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"STREAM_MODE",
		"BACKEND_BASE_URL",
		"BACKEND_REQUEST_TIMEOUT",
		"BACKEND_MAX_ATTEMPTS",
		"HUMAN_ASK_TIMEOUT",
		"PLAYBACK_DELAY",
		"STATE_DSN",
		"STATE_SAVE_TIMEOUT",
		"ACTIVITY_HISTORY_LIMIT",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
