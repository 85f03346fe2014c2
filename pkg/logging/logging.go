// Package logging builds the structured loggers used by svrrecon.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"

	"svrrecon/pkg/config"
)

// New returns a slog.Logger writing to stderr with the provided level string
// (debug, info, warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stderr, level, format))
}

// Setup builds the process logger from the logging section of cfg. When a
// log file is configured, output is duplicated into a size-rotated file.
// The logger is also installed as the slog default.
func Setup(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSize, // megabytes
			MaxAge:     cfg.Logging.MaxAge,  // days
			MaxBackups: cfg.Logging.MaxBackups,
		})
	}

	logger := slog.New(newHandler(w, cfg.Logging.Level, cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file", cfg.Logging.File,
	)
	return logger
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
