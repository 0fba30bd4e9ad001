package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

func TestNew_Outputs(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{name: "json stdout", cfg: config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{name: "text stderr", cfg: config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.cfg, "1.0.0")
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockgate.log")
	logger := New(config.LoggingConfig{Level: "info", Format: "json", Output: "file", File: path}, "1.0.0")

	logger.Info("lock connected", "imei", "863725031194523")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "lock connected") {
		t.Errorf("log file = %q, want the entry", data)
	}
}

func TestNew_FileOutputFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "lockgate.log")
	logger := New(config.LoggingConfig{Output: "file", File: path}, "1.0.0")
	if logger == nil {
		t.Fatal("expected a fallback logger")
	}
	if logger.closer != nil {
		t.Error("fallback logger should not own a file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug level", input: "debug", expected: slog.LevelDebug},
		{name: "info level", input: "info", expected: slog.LevelInfo},
		{name: "warn level", input: "warn", expected: slog.LevelWarn},
		{name: "warning level", input: "warning", expected: slog.LevelWarn},
		{name: "error level", input: "error", expected: slog.LevelError},
		{name: "unknown defaults to info", input: "unknown", expected: slog.LevelInfo},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "case insensitive", input: "DEBUG", expected: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info"}, "1.0.0", &buf)
	childLogger := logger.With("component", "omni")

	if childLogger == logger {
		t.Error("expected child logger to be different from parent")
	}

	childLogger.Info("listening")
	if !strings.Contains(buf.String(), `"component":"omni"`) {
		t.Errorf("output = %q, want component attr", buf.String())
	}
}

func TestDefault(t *testing.T) {
	logger := Default()

	if logger == nil {
		t.Fatal("expected non-nil default logger")
	}
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "test", &buf)
	logger.Info("test message", "key", "value")
	logger.Debug("filtered")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	if logEntry["service"] != "lockgate" {
		t.Errorf("expected service='lockgate', got %v", logEntry["service"])
	}
	if logEntry["version"] != "test" {
		t.Errorf("expected version='test', got %v", logEntry["version"])
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("expected key='value', got %v", logEntry["key"])
	}
}

func TestRedact(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.0.0", &buf)

	logger.Info("token issued",
		"token", "eyJhbGciOi",
		"Authorization", "Bearer abc",
		"jwt.secret", "hunter2hunter2",
		"subject", "fleet-backend",
		slog.Group("mqtt", slog.String("password", "broker-pass"), slog.String("username", "lockgate")),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	for _, key := range []string{"token", "Authorization", "jwt.secret"} {
		if entry[key] != Redacted {
			t.Errorf("%s = %v, want %s", key, entry[key], Redacted)
		}
	}
	if entry["subject"] != "fleet-backend" {
		t.Errorf("subject = %v, want it untouched", entry["subject"])
	}
	group, _ := entry["mqtt"].(map[string]any)
	if group["password"] != Redacted || group["username"] != "lockgate" {
		t.Errorf("mqtt group = %v, want only password redacted", group)
	}
	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "broker-pass") {
		t.Errorf("secret leaked into %q", buf.String())
	}
}
