// Package doctor runs environment checks for a report server installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/customgui"
	"github.com/basket/shotreport/internal/persistence"
	"github.com/basket/shotreport/internal/runner"
	"github.com/basket/shotreport/internal/saver"
	"github.com/basket/shotreport/internal/telemetry"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Check is one diagnostic.
type Check func(context.Context, *config.Config) CheckResult

// DefaultChecks is the set Run executes.
var DefaultChecks = []Check{
	checkConfig,
	checkReportDir,
	checkStore,
	checkRunner,
	checkCustomGUI,
	checkSaver,
}

// Run executes every check in order.
func Run(ctx context.Context, cfg *config.Config, version string, checks ...Check) Diagnosis {
	if len(checks) == 0 {
		checks = DefaultChecks
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, defaults in use", Detail: "Start the server once to write " + config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkReportDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Report Dir", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.ReportPath, 0o755); err != nil {
		return CheckResult{Name: "Report Dir", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.ReportPath, err)}
	}
	testFile := filepath.Join(cfg.ReportPath, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Report Dir", Status: StatusFail, Message: fmt.Sprintf("Report dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Report Dir", Status: StatusPass, Message: cfg.ReportPath + " writable"}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Report Store", Status: StatusSkip, Message: "Config missing"}
	}
	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Report Store", Status: StatusPass, Message: "No stored report yet", Detail: dbPath}
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Report Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: dbPath}
	}
	defer store.Close()

	suites, err := store.Count(ctx, persistence.SuitesTable)
	if err != nil {
		return CheckResult{Name: "Report Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	browsers, err := store.Count(ctx, persistence.BrowsersTable)
	if err != nil {
		return CheckResult{Name: "Report Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Report Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid (%d rows, %d browsers)", suites, browsers),
		Detail:  dbPath,
	}
}

func checkRunner(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runner", Status: StatusSkip, Message: "Config missing"}
	}
	rc := cfg.Runner
	if rc.Command == "" {
		return CheckResult{Name: "Runner", Status: StatusWarn, Message: "No runner command configured, /run is disabled"}
	}
	switch rc.Kind {
	case runner.KindDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return CheckResult{Name: "Runner", Status: StatusFail, Message: fmt.Sprintf("docker client: %v", err)}
		}
		defer cli.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := cli.Ping(pingCtx); err != nil {
			return CheckResult{Name: "Runner", Status: StatusFail, Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Runner", Status: StatusPass, Message: "docker daemon reachable", Detail: "image=" + rc.Image}
	default:
		path, err := exec.LookPath(rc.Command)
		if err != nil {
			return CheckResult{Name: "Runner", Status: StatusFail, Message: fmt.Sprintf("%s not found on PATH", rc.Command)}
		}
		return CheckResult{Name: "Runner", Status: StatusPass, Message: "exec runner " + path, Detail: strings.Join(rc.Args, " ")}
	}
}

func checkCustomGUI(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Custom GUI", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.CustomGUI.Modules) == 0 {
		return CheckResult{Name: "Custom GUI", Status: StatusSkip, Message: "No modules configured"}
	}
	host, err := customgui.NewHost(ctx, cfg.CustomGUI, telemetry.Discard())
	if err != nil {
		return CheckResult{Name: "Custom GUI", Status: StatusFail, Message: fmt.Sprintf("Module load failed: %v", err)}
	}
	defer host.Close(context.Background())
	return CheckResult{Name: "Custom GUI", Status: StatusPass, Message: fmt.Sprintf("%d modules compiled", len(host.Modules())), Detail: strings.Join(host.Modules(), ", ")}
}

func checkSaver(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Saver", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Saver.Kind {
	case saver.KindLocal:
		if err := os.MkdirAll(cfg.Saver.Dir, 0o755); err != nil {
			return CheckResult{Name: "Saver", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.Saver.Dir, err)}
		}
		return CheckResult{Name: "Saver", Status: StatusPass, Message: "local copies go to " + cfg.Saver.Dir}
	case saver.KindGCS:
		return checkHost(ctx, "Saver", "storage.googleapis.com", "gs://"+cfg.Saver.Bucket)
	default:
		return CheckResult{Name: "Saver", Status: StatusSkip, Message: "Report stays in place at finalize"}
	}
}

func checkHost(ctx context.Context, name, host, detail string) CheckResult {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("%s, latency=%dms", detail, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    name,
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  detail,
	}
}
