// Package runner starts the external test execution engine and turns its
// JSON-lines output into report events.
//
// The engine receives the run payload on stdin (exec) or in the
// SHOTREPORT_RUN_PAYLOAD environment variable (docker) and writes one JSON
// object per line to stdout:
//
//	{"type":"browsers","browsers":["chrome","firefox"]}
//	{"type":"fail","attempt":{"suitePath":["a","b"],"browserId":"chrome",...}}
//
// Lines that are not JSON objects are treated as engine chatter and ignored.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/basket/shotreport/internal/report"
)

const (
	KindExec   = "exec"
	KindDocker = "docker"

	// PayloadEnv carries the run payload into containerized engines.
	PayloadEnv = "SHOTREPORT_RUN_PAYLOAD"

	maxLineSize   = 4 * 1024 * 1024
	maxStderrTail = 4 * 1024
)

// EmitFunc receives each event in output order.
type EmitFunc func(ctx context.Context, ev report.Event) error

// Runner executes one test run.
type Runner interface {
	Run(ctx context.Context, payload json.RawMessage, emit EmitFunc) error
}

// Config selects and configures a Runner.
type Config struct {
	Kind     string   `yaml:"kind" json:"kind"`
	Command  string   `yaml:"command" json:"command"`
	Args     []string `yaml:"args" json:"args"`
	WorkDir  string   `yaml:"workdir" json:"workdir"`
	Image    string   `yaml:"image" json:"image"`
	MemoryMB int64    `yaml:"memory_mb" json:"memoryMb"`
	Network  string   `yaml:"network" json:"network"`
}

// New builds the runner named by cfg.Kind. An empty command yields nil.
func New(cfg Config) (Runner, error) {
	if cfg.Command == "" {
		return nil, nil
	}
	switch cfg.Kind {
	case "", KindExec:
		return &Exec{Command: cfg.Command, Args: cfg.Args, Dir: cfg.WorkDir}, nil
	case KindDocker:
		d, err := NewDocker(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Kind)
	}
}

// Exec runs the engine as a local process.
type Exec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

func (e *Exec) Run(ctx context.Context, payload json.RawMessage, emit EmitFunc) error {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	if e.Dir != "" {
		cmd.Dir = e.Dir
	}
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("start %s: %w", e.Command, err)}
	}

	scanErr := ScanEvents(ctx, stdout, emit)
	if scanErr != nil {
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}
	if waitErr != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))}
	}
	return nil
}

// ScanEvents decodes JSON-lines events from r and emits them in order. It
// stops at the first emit error.
func ScanEvents(ctx context.Context, r io.Reader, emit EmitFunc) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev report.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if !knownEvent(ev) {
			continue
		}
		if err := emit(ctx, ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("read engine output: %w", err)}
	}
	return nil
}

func knownEvent(ev report.Event) bool {
	switch ev.Type {
	case report.EventSkipped, report.EventSuccess, report.EventFail, report.EventError:
		return ev.Attempt != nil
	case report.EventBrowsers:
		return len(ev.Browsers) > 0
	case report.EventBegin, report.EventEnd:
		return true
	default:
		return false
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
