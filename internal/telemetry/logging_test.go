package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/shotreport/internal/shared"
)

func lastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("attempt stored", "browser", "chrome", "status", "fail")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := lastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "report" {
		t.Fatalf("expected component=report, got %#v", entry["component"])
	}
	if entry["browser"] != "chrome" {
		t.Fatalf("expected browser propagation, got %#v", entry["browser"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info")

	logger.Info("notify configured",
		"telegram_token", "123:abc",
		"auth_header", "Authorization: Bearer super-secret-token",
	)
	entry := lastEntry(t, buf.Bytes())
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("expected token redaction, got %#v", entry["telegram_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewWriterLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger(&buf, "info")
	ctx := shared.WithRunID(shared.WithTraceID(context.Background(), "tr-1"), "run-9")

	FromContext(ctx, base).Info("run started")
	entry := lastEntry(t, buf.Bytes())
	if entry["trace_id"] != "tr-1" || entry["run_id"] != "run-9" {
		t.Fatalf("expected context ids, got %#v", entry)
	}
}
