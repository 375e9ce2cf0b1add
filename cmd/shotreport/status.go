package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/shotreport/internal/config"
)

// healthReport mirrors the /healthz body.
type healthReport struct {
	Healthy     bool   `json:"healthy"`
	DBOK        bool   `json:"db_ok"`
	Running     bool   `json:"running"`
	Clients     int    `json:"clients"`
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
}

func (h healthReport) String() string {
	state := "healthy"
	if !h.Healthy {
		state = "unhealthy"
	}
	run := "idle"
	if h.Running {
		run = "running"
	}
	db := "ok"
	if !h.DBOK {
		db = "unavailable"
	}
	return fmt.Sprintf("%s %s: store %s, %s, %d live client(s), config %s", state, h.Version, db, run, h.Clients, h.Fingerprint)
}

// runStatusCommand asks a running server for its health. It exits 0 only
// when the server answers healthy.
func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print the raw /healthz response")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: shotreport status [-json] [url]")
		return 2
	}
	base, err := serverURL(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	health, raw, err := fetchHealth(ctx, base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if *asJSON {
		fmt.Fprintln(out, strings.TrimSpace(string(raw)))
	} else {
		fmt.Fprintln(out, health)
	}
	if !health.Healthy {
		return 1
	}
	return 0
}

func fetchHealth(ctx context.Context, base string) (healthReport, []byte, error) {
	var health healthReport
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return health, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return health, nil, err
	}
	if err := json.Unmarshal(raw, &health); err != nil {
		return health, raw, fmt.Errorf("%s: unexpected /healthz body: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		health.Healthy = false
	}
	return health, raw, nil
}

// serverURL turns an explicit argument or the configured bind address into
// an http base URL without a trailing slash.
func serverURL(args []string) (string, error) {
	var addr string
	if len(args) == 1 {
		addr = strings.TrimSpace(args[0])
	} else {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		addr = strings.TrimSpace(cfg.BindAddr)
	}
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/"), nil
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr, nil
}
