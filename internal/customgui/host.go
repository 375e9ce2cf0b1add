// Package customgui runs host-supplied custom GUI actions as WebAssembly
// (WASI) modules. A module is invoked as a command: argv[1] is "init" or
// "action", the request payload arrives on stdin, and whatever JSON the
// module writes to stdout is the result.
package customgui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/shotreport/internal/report"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes.
const (
	FaultModuleNotFound = "GUI_MODULE_NOT_FOUND"
	FaultTimeout        = "GUI_TIMEOUT"
	FaultMemoryExceeded = "GUI_MEMORY_EXCEEDED"
	FaultExit           = "GUI_EXIT"
	FaultExecError      = "GUI_FAULT"
	FaultBadOutput      = "GUI_BAD_OUTPUT"
)

const (
	CommandInit   = "init"
	CommandAction = "action"
)

// Fault is the structured error of a failed invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 256 pages = 16MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 256

// DefaultInvokeTimeout is the wall-clock limit for a single invocation.
const DefaultInvokeTimeout = 30 * time.Second

const maxOutput = 1 << 20

type Config struct {
	// Modules lists .wasm files; each is addressed by its base name.
	Modules []string `yaml:"modules" json:"modules"`
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" json:"memoryLimitPages"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout" json:"invokeTimeout"`
}

type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewHost(ctx context.Context, cfg Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:        logger,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: invokeTimeout,
		compiled:      map[string]wazero.CompiledModule{},
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	hostMod := h.runtime.NewHostModuleBuilder("host")
	hostMod.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	if _, err := hostMod.Instantiate(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	for _, p := range cfg.Modules {
		if err := h.LoadModuleFromFile(ctx, p); err != nil {
			_ = h.runtime.Close(ctx)
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Modules lists loaded module names in sorted order.
func (h *Host) Modules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.compiled))
	for name := range h.compiled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	return h.LoadModuleFromBytes(ctx, moduleNameFromPath(srcPath), wasmBytes)
}

func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.compiled[name]; ok {
		_ = old.Close(ctx)
	}
	h.compiled[name] = compiled
	h.logger.Info("custom gui module loaded", "module", name)
	return nil
}

// Invoke runs command in a fresh instance of the named module.
func (h *Host) Invoke(ctx context.Context, moduleName, command string, payload []byte) (json.RawMessage, error) {
	h.mu.Lock()
	compiled, ok := h.compiled[moduleName]
	h.mu.Unlock()
	if !ok {
		return nil, &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(moduleName, command).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&limitedWriter{w: &stdout, n: maxOutput}).
		WithStderr(&limitedWriter{w: &stderr, n: maxOutput})

	mod, err := h.runtime.InstantiateModule(invokeCtx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if fault := classifyFault(moduleName, err, stderr.String()); fault != nil {
		h.logger.Warn("custom gui invocation fault", "module", moduleName, "command", command, "reason", fault.Reason)
		return nil, fault
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, &Fault{Reason: FaultBadOutput, Module: moduleName, Detail: "stdout is not JSON"}
	}
	return json.RawMessage(out), nil
}

// InitAll runs the init command of every module and returns the first
// failure wrapped as a collaborator error.
func (h *Host) InitAll(ctx context.Context, payload []byte) error {
	for _, name := range h.Modules() {
		if _, err := h.Invoke(ctx, name, CommandInit, payload); err != nil {
			return &report.CollaboratorError{Collaborator: "custom gui " + name, Err: err}
		}
	}
	return nil
}

func classifyFault(moduleName string, err error, stderr string) *Fault {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
		}
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return &Fault{Reason: FaultExit, Module: moduleName, Detail: detail}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (h *Host) hostLog(_ context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := module.Memory().Read(levelPtr, levelLen)
	if !ok {
		level = []byte("info")
	}
	msg, ok := module.Memory().Read(msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(string(level)) {
	case "error":
		h.logger.Error("custom gui log", "msg", string(msg))
	case "warn":
		h.logger.Warn("custom gui log", "msg", string(msg))
	case "debug":
		h.logger.Debug("custom gui log", "msg", string(msg))
	default:
		h.logger.Info("custom gui log", "msg", string(msg))
	}
}

type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if room := l.n - l.w.Len(); room < len(p) {
		if room > 0 {
			l.w.Write(p[:room])
		}
		return len(p), nil
	}
	return l.w.Write(p)
}
