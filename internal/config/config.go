package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config contains all runtime settings for the task orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// StreamMode is "http" for a real backend or "mock" for scripted local runs.
	StreamMode            string
	BackendBaseURL        string
	BackendRequestTimeout time.Duration
	BackendMaxAttempts    int

	HumanAskTimeout time.Duration
	PlaybackDelay   time.Duration

	StateDSN             string
	StateSaveTimeout     time.Duration
	ActivityHistoryLimit int

	LogLevel  string
	LogFormat string
}

// fileConfig is the optional TOML overlay. Environment variables win over it.
type fileConfig struct {
	BindAddr              string `toml:"bind_addr"`
	ShutdownTimeout       string `toml:"shutdown_timeout"`
	MetricsNamespace      string `toml:"metrics_namespace"`
	AllowAnyOrigin        *bool  `toml:"allow_any_origin"`
	StreamMode            string `toml:"stream_mode"`
	BackendBaseURL        string `toml:"backend_base_url"`
	BackendRequestTimeout string `toml:"backend_request_timeout"`
	BackendMaxAttempts    int    `toml:"backend_max_attempts"`
	HumanAskTimeout       string `toml:"human_ask_timeout"`
	PlaybackDelay         string `toml:"playback_delay"`
	StateDSN              string `toml:"state_dsn"`
	StateSaveTimeout      string `toml:"state_save_timeout"`
	ActivityHistoryLimit  int    `toml:"activity_history_limit"`
	LogLevel              string `toml:"log_level"`
	LogFormat             string `toml:"log_format"`
}

// Load reads the optional APP_CONFIG_FILE overlay and environment variables and
// applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              ":8080",
		ShutdownTimeout:       15 * time.Second,
		MetricsNamespace:      "eigent",
		AllowAnyOrigin:        false,
		StreamMode:            "http",
		BackendBaseURL:        "http://localhost:5001",
		BackendRequestTimeout: 15 * time.Second,
		BackendMaxAttempts:    3,
		HumanAskTimeout:       30 * time.Second,
		PlaybackDelay:         0,
		StateSaveTimeout:      2 * time.Second,
		ActivityHistoryLimit:  512,
		LogLevel:              "info",
		LogFormat:             "text",
	}

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.StreamMode = strings.ToLower(envOrDefault("STREAM_MODE", cfg.StreamMode))
	cfg.BackendBaseURL = envOrDefault("BACKEND_BASE_URL", cfg.BackendBaseURL)
	cfg.StateDSN = envOrDefault("STATE_DSN", cfg.StateDSN)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendRequestTimeout, err = durationFromEnv("BACKEND_REQUEST_TIMEOUT", cfg.BackendRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendMaxAttempts, err = intFromEnv("BACKEND_MAX_ATTEMPTS", cfg.BackendMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.HumanAskTimeout, err = durationFromEnv("HUMAN_ASK_TIMEOUT", cfg.HumanAskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackDelay, err = durationFromEnv("PLAYBACK_DELAY", cfg.PlaybackDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.StateSaveTimeout, err = durationFromEnv("STATE_SAVE_TIMEOUT", cfg.StateSaveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityHistoryLimit, err = intFromEnv("ACTIVITY_HISTORY_LIMIT", cfg.ActivityHistoryLimit)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StreamMode {
	case "http", "mock":
	default:
		return fmt.Errorf("STREAM_MODE must be http or mock, got %q", c.StreamMode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.StreamMode == "http" && strings.TrimSpace(c.BackendBaseURL) == "" {
		return errors.New("BACKEND_BASE_URL is required when STREAM_MODE=http")
	}
	if c.HumanAskTimeout < time.Second {
		return errors.New("HUMAN_ASK_TIMEOUT must be at least 1s")
	}
	if c.BackendRequestTimeout <= 0 {
		return errors.New("BACKEND_REQUEST_TIMEOUT must be positive")
	}
	if c.BackendMaxAttempts <= 0 {
		return errors.New("BACKEND_MAX_ATTEMPTS must be positive")
	}
	if c.PlaybackDelay < 0 {
		return errors.New("PLAYBACK_DELAY must be >= 0")
	}
	if c.StateSaveTimeout <= 0 {
		return errors.New("STATE_SAVE_TIMEOUT must be positive")
	}
	if c.ActivityHistoryLimit <= 0 {
		return errors.New("ACTIVITY_HISTORY_LIMIT must be positive")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.StreamMode, fc.StreamMode)
	setString(&cfg.BackendBaseURL, fc.BackendBaseURL)
	setString(&cfg.StateDSN, fc.StateDSN)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.BackendMaxAttempts > 0 {
		cfg.BackendMaxAttempts = fc.BackendMaxAttempts
	}
	if fc.ActivityHistoryLimit > 0 {
		cfg.ActivityHistoryLimit = fc.ActivityHistoryLimit
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"backend_request_timeout", fc.BackendRequestTimeout, &cfg.BackendRequestTimeout},
		{"human_ask_timeout", fc.HumanAskTimeout, &cfg.HumanAskTimeout},
		{"playback_delay", fc.PlaybackDelay, &cfg.PlaybackDelay},
		{"state_save_timeout", fc.StateSaveTimeout, &cfg.StateSaveTimeout},
	}
	for _, d := range durations {
		if trimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(trimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v = trimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
