package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/persistence"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/runner"
	"github.com/basket/shotreport/internal/saver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{HomeDir: home, ReportPath: filepath.Join(home, "report")}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != StatusFail {
		t.Fatalf("expected FAIL for nil config, got %+v", r)
	}
	cfg := testConfig(t)
	cfg.NeedsInit = true
	if r := checkConfig(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN without config.yaml, got %+v", r)
	}
}

func TestCheckStore(t *testing.T) {
	cfg := testConfig(t)
	if r := checkStore(context.Background(), cfg); r.Status != StatusPass || r.Message != "No stored report yet" {
		t.Fatalf("unexpected result without database: %+v", r)
	}

	if err := os.MkdirAll(cfg.ReportPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.InsertAttempt(context.Background(), report.Row{
		SuitePath: `["a"]`, SuiteName: "a", Name: "chrome", Status: "success", Timestamp: 1, ImagesInfo: "[]",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	r := checkStore(context.Background(), cfg)
	if r.Status != StatusPass || r.Message != "Schema valid (1 rows, 0 browsers)" {
		t.Fatalf("unexpected store result: %+v", r)
	}
}

func TestCheckStore_CorruptFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.ReportPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.DBPath(), []byte("not a database at all, just text padding it out"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkStore(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for corrupt database, got %+v", r)
	}
}

func TestCheckRunner(t *testing.T) {
	cfg := testConfig(t)
	if r := checkRunner(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN without command, got %+v", r)
	}
	cfg.Runner = runner.Config{Kind: runner.KindExec, Command: "definitely-not-a-real-binary-xyz"}
	if r := checkRunner(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for missing binary, got %+v", r)
	}
}

func TestCheckSaverAndGUI(t *testing.T) {
	cfg := testConfig(t)
	if r := checkSaver(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP without saver, got %+v", r)
	}
	cfg.Saver = saver.Config{Kind: saver.KindLocal, Dir: filepath.Join(cfg.HomeDir, "saved")}
	if r := checkSaver(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS for local saver, got %+v", r)
	}
	if r := checkCustomGUI(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP without modules, got %+v", r)
	}
	cfg.CustomGUI.Modules = []string{filepath.Join(cfg.HomeDir, "missing.wasm")}
	if r := checkCustomGUI(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for missing module, got %+v", r)
	}
}

func TestRun_CustomChecksAndFailed(t *testing.T) {
	pass := func(context.Context, *config.Config) CheckResult { return CheckResult{Name: "a", Status: StatusPass} }
	fail := func(context.Context, *config.Config) CheckResult { return CheckResult{Name: "b", Status: StatusFail} }

	d := Run(context.Background(), nil, "test", pass)
	if d.Failed() || len(d.Results) != 1 || d.System.Version != "test" {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if d := Run(context.Background(), nil, "test", pass, fail); !d.Failed() {
		t.Fatal("expected failed diagnosis")
	}
	if d := Run(context.Background(), nil, "test"); len(d.Results) != len(DefaultChecks) {
		t.Fatalf("expected default checks, got %d results", len(d.Results))
	}
}
