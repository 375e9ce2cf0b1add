package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := RejectCount()
	Record("report.update_reference", Reject, "not_acceptable", "a b chrome plain")
	Record("report.update_reference", Allow, "", "a b chrome hover")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["decision"] != Reject || first["action"] != "report.update_reference" {
		t.Fatalf("unexpected first entry %#v", first)
	}
	if first["subject"] != "a b chrome plain" {
		t.Fatalf("expected subject, got %#v", first["subject"])
	}
	if _, ok := entries[1]["reason"]; ok {
		t.Fatalf("expected empty reason to be omitted: %#v", entries[1])
	}
	if RejectCount() != before+1 {
		t.Fatalf("expected reject counter to advance by one")
	}
}

func TestRecordIsAppendOnlyAndRedacted(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("run.start", Allow, "", "run-1")
	info1, err := os.Stat(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	Record("report.finalize", Fail, "upload failed: Bearer abcdefghijklmnopqrstuvwxyz", "")
	info2, err := os.Stat(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}

	entries := readEntries(t, home)
	if strings.Contains(entries[1]["reason"].(string), "abcdefghijklmnop") {
		t.Fatalf("expected redacted reason, got %#v", entries[1]["reason"])
	}
}

func TestRecordWithoutInit(t *testing.T) {
	_ = Close()
	Record("run.start", Allow, "", "run-2")
}
