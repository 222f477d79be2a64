package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from cfg. Logs go to stderr.
func NewLogger(cfg LoggingConfig) (*slog.Logger, error) {
	return newLogger(os.Stderr, cfg)
}

func newLogger(w io.Writer, cfg LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown logging.format: %s", cfg.Format)
	}
	return slog.New(h), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown logging.level: %s", s)
	}
}

// matrixLogger returns the zerolog logger handed to mautrix, or nil to
// discard its output. It logs at warn, or debug when logging.level is debug.
func matrixLogger(cfg Config) *zerolog.Logger {
	if !cfg.Matrix.Debug {
		return nil
	}
	level := zerolog.WarnLevel
	if slogLevel, err := parseLevel(cfg.Logging.Level); err == nil && slogLevel <= slog.LevelDebug {
		level = zerolog.DebugLevel
	}
	var w io.Writer = os.Stderr
	if !strings.EqualFold(cfg.Logging.Format, "json") {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Str("component", "mautrix").Logger()
	return &l
}
