// Package logger provides the process-wide structured logger for valetkey.
//
// It wraps log/slog. Initialize once at startup from the [logging] config
// section, then use the package-level functions:
//
//	logger.Info("Replication: job completed", "resource_id", 42, "elapsed", d)
//	logger.Warn("Replication: size mismatch", "declared", 2048, "actual", 2050)
//	logger.Error("Internal API: status update failed", "error", err)
//
// Supported outputs are stdout, stderr, or a file path; formats are json and
// console (slog text).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nguyentanjr/file-storage-based-aws/config"
)

var globalLogger *slog.Logger

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil when logging to a file and must be closed by the caller.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	var (
		w       io.Writer
		logFile *os.File
	)
	switch output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			w = os.Stderr
		} else {
			w = f
			logFile = f
		}
	}

	globalLogger = slog.New(newHandler(w, cfg.Format, parseLogLevel(cfg.Level)))
	slog.SetDefault(globalLogger)
	return logFile, nil
}

// SetOutput replaces the global logger with one writing to w. Used by tests
// that assert on log lines.
func SetOutput(w io.Writer, format, level string) {
	globalLogger = slog.New(newHandler(w, format, parseLogLevel(level)))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs at error level and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}
