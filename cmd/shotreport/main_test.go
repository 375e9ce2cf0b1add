package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/telemetry"
)

const failEventJSON = `{"type":"fail","attempt":{"suitePath":["login","form"],"browserId":"chrome","imagesInfo":[{"stateName":"plain","status":"fail","expectedImg":{"path":"ref.png"},"actualImg":{"path":"cur.png"},"diffImg":{"path":"diff.png"}}]}}`

func writeConfig(t *testing.T, home, body string) config.Config {
	t.Helper()
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// startServe runs serve in the background and returns its base URL.
func startServe(t *testing.T, ctx context.Context, cfg config.Config) (string, <-chan error) {
	t.Helper()
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, telemetry.Discard(), func(a net.Addr) { addrCh <- a })
	}()
	select {
	case a := <-addrCh:
		return "http://" + a.String(), done
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}
	return "", nil
}

func TestServe_IngestThenFinalizeOnShutdown(t *testing.T) {
	home := t.TempDir()
	reportDir := filepath.Join(home, "report")
	saveDir := filepath.Join(home, "saved")
	cfg := writeConfig(t, home, "bind_addr: \"127.0.0.1:0\"\nreport_path: \""+reportDir+"\"\nsaver:\n  kind: local\n  dir: \""+saveDir+"\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base, done := startServe(t, ctx, cfg)

	resp, err := http.Post(base+"/api/events", "application/json", strings.NewReader(failEventJSON))
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/init")
	if err != nil {
		t.Fatalf("GET /init: %v", err)
	}
	var snap map[string]any
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /init: %v", err)
	}
	suites, _ := json.Marshal(snap["suites"])
	if !strings.Contains(string(suites), `"login"`) {
		t.Fatalf("expected stored suite in snapshot, got %s", suites)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("serve did not shut down")
	}

	if _, err := os.Stat(filepath.Join(reportDir, config.DBFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected local database removed after hand-off, stat err = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(reportDir, "databaseUrls.json"))
	if err != nil {
		t.Fatalf("read databaseUrls.json: %v", err)
	}
	var locs struct {
		DBUrls []string `json:"dbUrls"`
	}
	if err := json.Unmarshal(raw, &locs); err != nil || len(locs.DBUrls) != 1 {
		t.Fatalf("unexpected locations %s (%v)", raw, err)
	}
	if _, err := os.Stat(locs.DBUrls[0]); err != nil {
		t.Fatalf("saved database missing: %v", err)
	}
}

func TestServe_OpenEventStreamDoesNotStallShutdown(t *testing.T) {
	home := t.TempDir()
	reportDir := filepath.Join(home, "report")
	saveDir := filepath.Join(home, "saved")
	cfg := writeConfig(t, home, "bind_addr: \"127.0.0.1:0\"\nreport_path: \""+reportDir+"\"\nsaver:\n  kind: local\n  dir: \""+saveDir+"\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base, done := startServe(t, ctx, cfg)

	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	req, _ := http.NewRequestWithContext(streamCtx, http.MethodGet, base+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil {
		t.Fatalf("read first frame: %v", err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve blocked on the open event stream")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown took %s with a stream open", elapsed)
	}
	if _, err := os.Stat(filepath.Join(reportDir, "databaseUrls.json")); err != nil {
		t.Fatalf("expected report finalized after shutdown: %v", err)
	}
}

func TestServe_BindConflictIsStartupError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	home := t.TempDir()
	cfg := writeConfig(t, home, "bind_addr: \""+ln.Addr().String()+"\"\nreport_path: \""+filepath.Join(home, "report")+"\"\n")

	err = serve(context.Background(), cfg, telemetry.Discard(), nil)
	var se *startupError
	if !errors.As(err, &se) || se.code != "E_LISTENER_BIND" {
		t.Fatalf("expected E_LISTENER_BIND, got %v", err)
	}
}

func TestServe_InvalidScheduleIsStartupError(t *testing.T) {
	home := t.TempDir()
	cfg := writeConfig(t, home, "bind_addr: \"127.0.0.1:0\"\nreport_path: \""+filepath.Join(home, "report")+"\"\n")
	cfg.Schedule.RunCron = "not a cron"

	err := serve(context.Background(), cfg, telemetry.Discard(), nil)
	var se *startupError
	if !errors.As(err, &se) || se.code != "E_SCHEDULE_INIT" {
		t.Fatalf("expected E_SCHEDULE_INIT, got %v", err)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unexpected match")
	}
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:8000: bind: address already in use")) {
		t.Fatal("expected match")
	}
}
