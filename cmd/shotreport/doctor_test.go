package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/shotreport/internal/doctor"
)

func TestRunDoctorCommand_JSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SHOTREPORT_HOME", home)
	t.Setenv("SHOTREPORT_REPORT_PATH", filepath.Join(home, "report"))
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out strings.Builder
	if code := runDoctorCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0\n%s", code, out.String())
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal([]byte(out.String()), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) != len(doctor.DefaultChecks) || diag.Results[0].Name != "Config" {
		t.Fatalf("unexpected results %+v", diag.Results)
	}
}

func TestRunDoctorCommand_BadConfigFails(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SHOTREPORT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("view:\n  expand: sometimes\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out strings.Builder
	if code := runDoctorCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "sometimes") {
		t.Fatalf("expected config error detail in report:\n%s", out.String())
	}
}

func TestRunDoctorCommand_Usage(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"--verbose"}, &strings.Builder{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
