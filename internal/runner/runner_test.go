package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/basket/shotreport/internal/report"
	"github.com/google/go-cmp/cmp"
)

func collect(events *[]report.Event) EmitFunc {
	return func(_ context.Context, ev report.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestScanEvents_DecodesInOrderAndSkipsChatter(t *testing.T) {
	input := strings.Join([]string{
		`starting engine v1`,
		`{"type":"browsers","browsers":["chrome","firefox"]}`,
		``,
		`{"type":"fail","attempt":{"suitePath":["a","b"],"browserId":"chrome","status":"fail"}}`,
		`{"type":"fail"}`,
		`{"type":"teleport","attempt":{}}`,
		`{broken json`,
		`{"type":"success","attempt":{"suitePath":["a","c"],"browserId":"firefox"}}`,
		`{"type":"end"}`,
	}, "\n")

	var got []report.Event
	if err := ScanEvents(context.Background(), strings.NewReader(input), collect(&got)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	var types []report.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []report.EventType{report.EventBrowsers, report.EventFail, report.EventSuccess, report.EventEnd}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	if got[1].Attempt.BrowserID != "chrome" {
		t.Fatalf("unexpected attempt %+v", got[1].Attempt)
	}
}

func TestScanEvents_StopsOnEmitError(t *testing.T) {
	input := `{"type":"begin"}` + "\n" + `{"type":"end"}` + "\n"
	calls := 0
	boom := errors.New("store unavailable")
	err := ScanEvents(context.Background(), strings.NewReader(input), func(context.Context, report.Event) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected first emit error after 1 call, got %v after %d", err, calls)
	}
}

func TestExec_RunStreamsStdoutEvents(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := `read payload; echo "got $payload" >&2; echo '{"type":"browsers","browsers":["chrome"]}'; echo '{"type":"skipped","attempt":{"suitePath":["x"],"browserId":"chrome"}}'`
	r := &Exec{Command: "sh", Args: []string{"-c", script}}

	var got []report.Event
	if err := r.Run(context.Background(), []byte(`{"tests":["x"]}`+"\n"), collect(&got)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[1].Type != report.EventSkipped {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestExec_NonZeroExitIsCollaboratorError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &Exec{Command: "sh", Args: []string{"-c", "echo 'engine crashed' >&2; exit 3"}}
	err := r.Run(context.Background(), nil, collect(new([]report.Event)))
	var ce *report.CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if !strings.Contains(err.Error(), "engine crashed") {
		t.Fatalf("expected stderr tail in error, got %v", err)
	}
}

func TestNew(t *testing.T) {
	r, err := New(Config{})
	if err != nil || r != nil {
		t.Fatalf("expected nil runner without command, got %v %v", r, err)
	}
	r, err = New(Config{Command: "npx", Args: []string{"testplane"}})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, ok := r.(*Exec); !ok {
		t.Fatalf("expected *Exec, got %T", r)
	}
	if _, err := New(Config{Kind: "ssh", Command: "x"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abcdef"))
	if tb.String() != "cdef" {
		t.Fatalf("expected tail cdef, got %q", tb.String())
	}
}
