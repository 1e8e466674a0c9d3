package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return entry
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"json stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{"text stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{"empty", config.LoggingConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if New(tt.cfg, ServiceCore, "1.0.0") == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestOutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "info"}, ServiceHost, "test")
	logger.Info("device exported", "device", "camera")

	entry := decodeLine(t, &buf)
	if entry["service"] != ServiceHost {
		t.Errorf("service = %v, want %s", entry["service"], ServiceHost)
	}
	if entry["version"] != "test" {
		t.Errorf("version = %v, want test", entry["version"])
	}
	if entry["msg"] != "device exported" || entry["device"] != "camera" {
		t.Errorf("entry = %v", entry)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{}, ServiceCore, "test")
	child := logger.Component("session")
	if child == logger {
		t.Fatal("expected child logger to be different from parent")
	}
	child.Warn("participant lagging")

	entry := decodeLine(t, &buf)
	if entry["component"] != "session" {
		t.Errorf("component = %v, want session", entry["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, ServiceCore, "test")
	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("info/debug written at warn level: %q", buf.String())
	}
	logger.Error("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestDefault(t *testing.T) {
	if Default(ServiceCore) == nil {
		t.Fatal("expected non-nil default logger")
	}
}
