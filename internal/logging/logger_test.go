package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "debug", Format: "json", Writer: &buf, Component: "taskruntime"})
	lg.Debug("task started", "task_id", "t1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, output %q", err, buf.String())
	}
	if rec["component"] != "taskruntime" || rec["task_id"] != "t1" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestNewLoggerTextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "warn", Writer: &buf})
	lg.Info("hidden")
	lg.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
