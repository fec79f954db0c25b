package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler(config.LoggingConfig{Format: "json", Level: "warn"}, &buf))
	logger.Info("dropped")
	logger.Warn("kept", slog.String("sandbox_id", "abc"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["sandbox_id"] != "abc" {
		t.Errorf("record = %v", rec)
	}
}

func TestTextHandlerIsDefault(t *testing.T) {
	var buf bytes.Buffer
	slog.New(Handler(config.LoggingConfig{}, &buf)).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kazi.log")
	logger, closeFn, err := New(config.LoggingConfig{File: path, Format: "json"}, "kazi")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("to file")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"service":"kazi"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}
