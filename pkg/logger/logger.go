// Package logger provides structured logging using slog with hostname tracking
// and short source file paths so log lines stay readable across instances.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Fields represents structured log fields.
type Fields map[string]any

var (
	// defaultLogger is the shared logger instance.
	defaultLogger *slog.Logger
	// hostname is cached on init for performance.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	defaultLogger = New(os.Stderr)
}

// New creates a new slog logger with hostname and short source paths.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Shorten source file paths to just basename:line
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	logger := slog.New(slog.NewTextHandler(w, opts))

	// Add hostname to all log messages
	return logger.With("instance", hostname)
}

// SetDefault sets the default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Default returns the default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// Debug logs a debug message with optional fields.
func Debug(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrsFromFields(fields)...)
}

// Info logs an info message with optional fields.
func Info(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrsFromFields(fields)...)
}

// Warn logs a warning message with optional fields.
func Warn(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrsFromFields(fields)...)
}

// Error logs an error message with optional fields.
func Error(msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["error"] = err.Error()
	defaultLogger.LogAttrs(context.Background(), slog.LevelError, msg, attrsFromFields(fields)...)
}

// attrsFromFields converts Fields to a slog.Attr slice.
func attrsFromFields(fields Fields) []slog.Attr {
	if fields == nil {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
