// Package logger builds the structured slog loggers used by every broker
// process and scopes them to components and inbound messages.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared across components.
const (
	KeyComponent     = "component"
	KeyCorrelationID = "correlation_id"
	KeySource        = "source"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum log level to output.
	Level slog.Level
	// AddSource adds source code position to log records.
	AddSource bool
	// Text switches from JSON to logfmt-style output, for local runs.
	Text bool
}

// DefaultConfig returns JSON output at Info level on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stdout,
	}
}

// New creates a logger with the provided configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	if cfg.Text {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// NewWithLevel creates a JSON logger on stdout at the given level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel converts a string to a slog.Level, ignoring case.
// Unrecognized values map to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent tags every record with the component name.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With(KeyComponent, name)
}

// WithCorrelationID scopes a logger to one inbound message.
func WithCorrelationID(l *slog.Logger, id string) *slog.Logger {
	if id == "" {
		return l
	}
	return l.With(KeyCorrelationID, id)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
