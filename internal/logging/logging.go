// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaninda/kazi/internal/config"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotated log file. The returned close function flushes the file.
func New(cfg config.LoggingConfig, service string) (*slog.Logger, func() error, error) {
	w, closeFn, err := writer(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(Handler(cfg, w))
	if service != "" {
		logger = logger.With(slog.String("service", service))
	}
	return logger, closeFn, nil
}

// Handler builds a JSON or text handler at the configured level.
func Handler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writer(cfg config.LoggingConfig, console io.Writer) (io.Writer, func() error, error) {
	if cfg.File == "" {
		return console, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: orDefault(cfg.MaxBackups, defaultMaxBackups),
		MaxAge:     orDefault(cfg.MaxAgeDays, defaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
	return io.MultiWriter(console, rotator), rotator.Close, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
