package customgui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/telemetry"
)

// noopModule exports an empty _start.
var noopModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func 0 has type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export _start
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // body: end
}

// trapModule's _start executes unreachable.
var trapModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b, // body: unreachable, end
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h, err := NewHost(context.Background(), Config{}, telemetry.Discard())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHost_InvokeNoOutput(t *testing.T) {
	h := newTestHost(t)
	if err := h.LoadModuleFromBytes(context.Background(), "noop", noopModule); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := h.Invoke(context.Background(), "noop", CommandAction, []byte(`{"control":{}}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no output, got %s", out)
	}
	// A second invocation gets a fresh instance.
	if _, err := h.Invoke(context.Background(), "noop", CommandAction, nil); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
}

func TestHost_InvokeTrapIsFault(t *testing.T) {
	h := newTestHost(t)
	if err := h.LoadModuleFromBytes(context.Background(), "trap", trapModule); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := h.Invoke(context.Background(), "trap", CommandAction, nil)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected Fault, got %v", err)
	}
	if fault.Reason != FaultExecError || fault.Module != "trap" {
		t.Fatalf("unexpected fault %+v", fault)
	}
}

func TestHost_InvokeUnknownModule(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Invoke(context.Background(), "missing", CommandInit, nil)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Reason != FaultModuleNotFound {
		t.Fatalf("expected module-not-found fault, got %v", err)
	}
}

func TestHost_LoadFromConfigAndInitAll(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "toolbar.wasm")
	badPath := filepath.Join(dir, "zz-broken.wasm")
	if err := os.WriteFile(okPath, noopModule, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	if err := os.WriteFile(badPath, trapModule, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}

	h, err := NewHost(context.Background(), Config{Modules: []string{okPath, badPath}}, telemetry.Discard())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer h.Close(context.Background())

	if got := h.Modules(); len(got) != 2 || got[0] != "toolbar" {
		t.Fatalf("unexpected modules %v", got)
	}
	err = h.InitAll(context.Background(), nil)
	var ce *report.CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError from broken module, got %v", err)
	}
}

func TestHost_RejectsInvalidWasm(t *testing.T) {
	h := newTestHost(t)
	if err := h.LoadModuleFromBytes(context.Background(), "junk", []byte("not wasm")); err == nil {
		t.Fatal("expected compile error")
	}
}
