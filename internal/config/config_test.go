package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/report"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromShotreportHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".shotreport"), "bind_addr: 127.0.0.1:9100\nreport_path: out/report\n")
	t.Setenv("HOME", home)
	t.Setenv("SHOTREPORT_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9100" {
		t.Fatalf("expected bind_addr from yaml, got %q", cfg.BindAddr)
	}
	if cfg.DBPath() != filepath.Join("out", "report", "sqlite.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath())
	}
}

func TestLoad_NeedsInitWhenNoConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit when config.yaml is missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: \"\"\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != config.DefaultBindAddr || cfg.LogLevel != "info" || cfg.ReportPath != config.DefaultReportPath {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.View.Expand != report.ExpandErrors || cfg.Saver.Kind != "none" || cfg.Runner.Kind != "exec" {
		t.Fatalf("unexpected component defaults: view=%+v saver=%+v runner=%+v", cfg.View, cfg.Saver, cfg.Runner)
	}
	if !cfg.CORS.Enabled || len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("expected permissive CORS by default, got %+v", cfg.CORS)
	}
	if cfg.CustomGUI.InvokeTimeout != 30*time.Second {
		t.Fatalf("expected default gui timeout, got %v", cfg.CustomGUI.InvokeTimeout)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\nlog_level: info\nnotify:\n  telegram:\n    enabled: true\n")
	t.Setenv("SHOTREPORT_BIND_ADDR", "0.0.0.0:8080")
	t.Setenv("SHOTREPORT_LOG_LEVEL", "debug")
	t.Setenv("SHOTREPORT_REPORT_PATH", "/tmp/r")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8080" || cfg.LogLevel != "debug" || cfg.ReportPath != "/tmp/r" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Notify.Telegram.Token != "123:abc" {
		t.Fatalf("expected telegram token from env, got %q", cfg.Notify.Telegram.Token)
	}
}

func TestLoad_ErrorPatternsAndView(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, strings.Join([]string{
		"error_patterns:",
		"  - name: timeout",
		"    pattern: \"timed out after \\\\d+ms\"",
		"view:",
		"  expand: retries",
		"  show_skipped: true",
		"custom_gui:",
		"  modules: [gui/toolbar.wasm]",
		"  invoke_timeout: 5s",
		"schedule:",
		"  run_cron: \"0 3 * * *\"",
	}, "\n")+"\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.View.Expand != report.ExpandRetries || !cfg.View.ShowSkipped {
		t.Fatalf("unexpected view %+v", cfg.View)
	}
	if got := cfg.View.MatchError("element timed out after 500ms"); got != "timeout" {
		t.Fatalf("expected top-level pattern copied into view, got %q", got)
	}
	if cfg.CustomGUI.Modules[0] != filepath.Join(home, "gui", "toolbar.wasm") {
		t.Fatalf("expected module path resolved against home, got %q", cfg.CustomGUI.Modules[0])
	}
	if cfg.CustomGUI.InvokeTimeout != 5*time.Second {
		t.Fatalf("unexpected invoke timeout %v", cfg.CustomGUI.InvokeTimeout)
	}
	if cfg.Schedule.RunCron != "0 3 * * *" {
		t.Fatalf("unexpected schedule %+v", cfg.Schedule)
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"expand":   "view:\n  expand: sometimes\n",
		"pattern":  "error_patterns:\n  - name: bad\n    pattern: \"(\"\n",
		"saver":    "saver:\n  kind: ftp\n",
		"gcs":      "saver:\n  kind: gcs\n",
		"runner":   "runner:\n  kind: ssh\n",
		"cron":     "schedule:\n  run_cron: \"every tuesday\"\n",
		"telegram": "notify:\n  telegram:\n    enabled: true\n",
		"yaml":     "bind_addr: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("TELEGRAM_TOKEN", "")
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected error for %s config", name)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.NeedsInit || cfg.BindAddr != config.DefaultBindAddr {
		t.Fatalf("unexpected config from starter file: %+v", cfg)
	}

	// An existing file is left alone.
	writeConfig(t, home, "log_level: warn\n")
	if err := config.WriteDefault(home); err != nil {
		t.Fatalf("write default again: %v", err)
	}
	cfg, _ = config.LoadFrom(home)
	if cfg.LogLevel != "warn" {
		t.Fatalf("existing config overwritten, log_level=%q", cfg.LogLevel)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	home := t.TempDir()
	a, _ := config.LoadFrom(home)
	b := a
	b.View.Expand = report.ExpandAll
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with view")
	}
}
