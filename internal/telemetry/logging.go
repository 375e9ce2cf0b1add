// Package telemetry builds the structured JSON logger shared by every
// component of the report server.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/shotreport/internal/shared"
)

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newJSONLogger(w, parseLevel(level)), file, nil
}

// NewWriterLogger is NewLogger without the file sink.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return newJSONLogger(w, parseLevel(level))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newJSONLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: redactAttr})
	return slog.New(handler).With("component", "report", "trace_id", "-")
}

// redactAttr renames the time key and masks secrets by field name or by
// content.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case shared.IsSecretKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() != slog.KindString:
		return a
	}
	v := a.Value.String()
	if looksLikeAuthHeader(v) {
		return slog.String(a.Key, shared.Redacted)
	}
	if masked := shared.Redact(v); masked != v {
		return slog.String(a.Key, masked)
	}
	return a
}

func looksLikeAuthHeader(v string) bool {
	lower := strings.ToLower(v)
	return strings.HasPrefix(lower, "authorization:") || strings.HasPrefix(lower, "bearer ")
}

// FromContext annotates logger with the ids carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With(shared.LogAttrs(ctx)...)
}

func parseLevel(level string) slog.Level {
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
