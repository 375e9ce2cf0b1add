// Package app wires the report builder, the broadcast hub and the external
// collaborators into the operations the HTTP surface exposes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/shotreport/internal/audit"
	"github.com/basket/shotreport/internal/builder"
	"github.com/basket/shotreport/internal/bus"
	"github.com/basket/shotreport/internal/customgui"
	"github.com/basket/shotreport/internal/hub"
	otelPkg "github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/runner"
	"github.com/basket/shotreport/internal/shared"
	"github.com/basket/shotreport/internal/telemetry"
)

var (
	ErrNoRunner       = errors.New("no test runner configured")
	ErrRunInProgress  = errors.New("a test run is already in progress")
	ErrNoCustomGUI    = errors.New("custom gui is not configured")
	ErrUnknownControl = errors.New("custom gui action names no module")
)

// Snapshot keys. Keys listed in ReplaceKeys are replaced wholesale on
// merge; "results" accumulates.
const (
	KeySuites         = "suites"
	KeyBrowsers       = "browsers"
	KeyConfig         = "config"
	KeyRunning        = "running"
	KeyResults        = "results"
	KeyGUI            = "gui"
	KeyCustomGUIError = "customGuiError"
)

// ReplaceKeys lists snapshot keys whose slices replace instead of append.
var ReplaceKeys = []string{KeySuites, KeyBrowsers, KeyConfig}

// GUI runs host-supplied custom GUI actions.
type GUI interface {
	Modules() []string
	Invoke(ctx context.Context, module, command string, payload []byte) (json.RawMessage, error)
	InitAll(ctx context.Context, payload []byte) error
}

type Config struct {
	Builder *builder.Builder
	Hub     *hub.Hub
	Runner  runner.Runner
	GUI     GUI
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
	View    report.View
	Now     func() time.Time
}

// App holds one report instance and its live sessions.
type App struct {
	builder *builder.Builder
	hub     *hub.Hub
	runner  runner.Runner
	gui     GUI
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu        sync.Mutex
	view      report.View
	running   bool
	guiErr    map[string]any
	finalized bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if cfg.Builder == nil {
		return nil, errors.New("app: builder is required")
	}
	a := &App{
		builder: cfg.Builder,
		hub:     cfg.Hub,
		runner:  cfg.Runner,
		gui:     cfg.GUI,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
		view:    cfg.View,
	}
	if a.hub == nil {
		a.hub = hub.New(hub.WithReplaceKeys(ReplaceKeys...))
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = otelPkg.NoopMetrics()
	}
	if a.tracer == nil {
		a.tracer = noop.NewTracerProvider().Tracer("")
	}
	if a.now == nil {
		a.now = time.Now
	}
	if err := a.view.Compile(); err != nil {
		return nil, err
	}
	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Hub exposes the broadcast hub so transports can register sessions.
func (a *App) Hub() *hub.Hub { return a.hub }

// Initialize reconstructs the stored report, initializes custom GUI modules
// and seeds the hub before any session connects.
func (a *App) Initialize(ctx context.Context) error {
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "app.initialize")
	defer span.End()

	tree, err := a.builder.Load(ctx)
	if err != nil {
		otelPkg.Fail(span, err)
		return fmt.Errorf("load report: %w", err)
	}
	browsers, err := a.builder.Browsers(ctx)
	if err != nil {
		return fmt.Errorf("load browsers: %w", err)
	}
	a.InitCustomGUI(ctx)
	a.hub.Init(a.snapshot(tree, browsers))
	a.logger.Info("report initialized", "rows", tree.Rows, "malformed", len(tree.Malformed), "browsers", len(browsers))
	return nil
}

// InitCustomGUI runs every module's init command. A failure does not stop
// the server; it is reported to viewers in the initial payload.
func (a *App) InitCustomGUI(ctx context.Context) {
	if a.gui == nil {
		return
	}
	err := a.gui.InitAll(ctx, nil)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		a.guiErr = nil
		return
	}
	a.logger.Error("custom gui init failed", "error", err)
	a.guiErr = map[string]any{
		"response": map[string]any{
			"status": 500,
			"data":   "Error while trying to initialize custom GUI: " + err.Error(),
		},
	}
}

func (a *App) snapshot(tree report.Tree, browsers []string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if browsers == nil {
		browsers = []string{}
	}
	snap := map[string]any{
		KeySuites:   report.Render(tree.Root, a.view),
		KeyBrowsers: browsers,
		KeyConfig:   a.view,
		KeyRunning:  a.running,
		KeyGUI:      true,
	}
	if a.guiErr != nil {
		snap[KeyCustomGUIError] = a.guiErr
	}
	return snap
}

// Data returns the initial-state payload built from a fresh reconstruction.
func (a *App) Data(ctx context.Context) (map[string]any, error) {
	tree, err := a.builder.Tree(ctx)
	if err != nil {
		return nil, err
	}
	browsers, err := a.builder.Browsers(ctx)
	if err != nil {
		return nil, err
	}
	return a.snapshot(tree, browsers), nil
}

// Tree returns the raw reconstructed report.
func (a *App) Tree(ctx context.Context) (report.Tree, error) {
	return a.builder.Tree(ctx)
}

// Ingest routes one execution event to the builder and publishes the
// resulting delta only after the store holds it.
func (a *App) Ingest(ctx context.Context, ev report.Event) error {
	switch ev.Type {
	case report.EventBrowsers:
		if err := a.builder.SetBrowsers(ctx, ev.Browsers); err != nil {
			return err
		}
		browsers, err := a.builder.Browsers(ctx)
		if err != nil {
			return err
		}
		a.hub.Publish(hub.EventTestResult, map[string]any{KeyBrowsers: browsers})
		return nil
	case report.EventBegin:
		a.hub.Publish(hub.EventBegin, map[string]any{KeyRunning: true})
		return nil
	case report.EventEnd:
		a.hub.Publish(hub.EventEnd, map[string]any{KeyRunning: false})
		return nil
	case report.EventSkipped, report.EventSuccess, report.EventFail, report.EventError:
		if ev.Attempt == nil {
			return fmt.Errorf("%s event without attempt", ev.Type)
		}
		attempt := *ev.Attempt
		attempt.Status = report.Status(ev.Type)
		stored, err := a.builder.Add(ctx, attempt)
		if err != nil {
			return err
		}
		a.hub.Publish(hub.EventTestResult, map[string]any{KeyResults: []report.TestAttempt{stored}})
		return nil
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// RunRequest starts a test run.
type RunRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	// Clear drops the stored report before the run.
	Clear bool `json:"clear,omitempty"`
}

// Run starts the execution collaborator and returns at once with the run id.
// Failures of the run itself are logged, never returned.
func (a *App) Run(ctx context.Context, req RunRequest) (string, error) {
	if a.runner == nil {
		return "", ErrNoRunner
	}
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return "", builder.ErrFinalized
	}
	if a.running {
		a.mu.Unlock()
		return "", ErrRunInProgress
	}
	a.running = true
	// Added under the lock so Finalize cannot be past wg.Wait already.
	a.wg.Add(1)
	a.mu.Unlock()

	if req.Clear {
		if err := a.builder.Reset(ctx); err != nil {
			a.abortRun()
			return "", err
		}
		data, err := a.Data(ctx)
		if err != nil {
			a.abortRun()
			return "", err
		}
		a.hub.Init(data)
	}

	runID := shared.NewRunID()
	runCtx := shared.WithRunID(a.baseCtx, runID)
	runCtx = shared.WithTraceID(runCtx, shared.TraceID(ctx))
	go a.execute(runCtx, runID, req.Payload)
	return runID, nil
}

func (a *App) abortRun() {
	a.setRunning(false)
	a.wg.Done()
}

func (a *App) setRunning(v bool) {
	a.mu.Lock()
	a.running = v
	a.mu.Unlock()
}

// Running reports whether a run is in progress.
func (a *App) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *App) execute(ctx context.Context, runID string, payload json.RawMessage) {
	defer a.wg.Done()
	defer a.setRunning(false)

	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "app.run", otelPkg.AttrRunID.String(runID))
	defer span.End()
	logger := telemetry.FromContext(ctx, a.logger)

	started := a.now()
	a.bus.Publish(bus.TopicRunStarted, bus.RunEvent{RunID: runID, Started: started.UnixMilli()})
	a.hub.Publish(hub.EventBegin, map[string]any{KeyRunning: true})
	logger.Info("run started")
	audit.Record("run.start", audit.Allow, "", runID)

	var countsMu sync.Mutex
	counts := map[string]int{}
	emit := func(ctx context.Context, ev report.Event) error {
		if ev.Type == report.EventBegin || ev.Type == report.EventEnd {
			return nil
		}
		if err := a.Ingest(ctx, ev); err != nil {
			return err
		}
		if ev.Attempt != nil {
			countsMu.Lock()
			counts[string(ev.Type)]++
			countsMu.Unlock()
		}
		return nil
	}

	runErr := a.runner.Run(ctx, payload, emit)
	finished := a.now()

	done := bus.RunEvent{RunID: runID, Started: started.UnixMilli(), Finished: finished.UnixMilli(), Counts: counts}
	outcome := "ok"
	if runErr != nil {
		outcome = "error"
		done.Err = runErr.Error()
		otelPkg.Fail(span, runErr)
		logger.Error("run failed", "error", runErr, "attempts", counts)
		audit.Record("run.finish", audit.Fail, runErr.Error(), runID)
	} else {
		logger.Info("run finished", "attempts", counts, "duration_ms", finished.Sub(started).Milliseconds())
		audit.Record("run.finish", audit.Allow, "", runID)
	}
	span.SetAttributes(otelPkg.AttrStatus.String(outcome))
	a.metrics.RunDuration.Record(context.Background(), finished.Sub(started).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	a.hub.Publish(hub.EventEnd, map[string]any{KeyRunning: false})
	a.bus.Publish(bus.TopicRunFinished, done)
}

// Wait blocks until the current run, if any, has finished.
func (a *App) Wait() {
	a.wg.Wait()
}

// UpdateReferenceImage accepts a batch of states. Accepted attempts are
// broadcast once the store holds them.
func (a *App) UpdateReferenceImage(ctx context.Context, selectors []report.Selector) ([]builder.UpdateResult, error) {
	results, err := a.builder.UpdateReferenceImage(ctx, selectors)
	if err != nil {
		return nil, err
	}
	var accepted []report.TestAttempt
	seen := map[*report.TestAttempt]bool{}
	for _, r := range results {
		if !r.OK() {
			audit.Record("report.update_reference", audit.Reject, r.Err.Error(), r.Selector.String())
			continue
		}
		audit.Record("report.update_reference", audit.Allow, "", r.Selector.String())
		// States of one lineage share the stored row.
		if seen[r.Attempt] {
			continue
		}
		seen[r.Attempt] = true
		accepted = append(accepted, *r.Attempt)
	}
	if len(accepted) > 0 {
		a.hub.Publish(hub.EventUpdate, map[string]any{KeyResults: accepted})
	}
	return results, nil
}

// FindEqualDiffs lists failing states whose diff image equals the reference's.
func (a *App) FindEqualDiffs(ctx context.Context, ref report.Selector) ([]builder.EqualDiff, error) {
	return a.builder.FindEqualDiffs(ctx, ref)
}

// ActionRequest addresses one control of a custom GUI section.
type ActionRequest struct {
	Module       string          `json:"module,omitempty"`
	Section      string          `json:"sectionName,omitempty"`
	GroupIndex   int             `json:"groupIndex"`
	ControlIndex int             `json:"controlIndex"`
	Control      json.RawMessage `json:"control,omitempty"`
}

// RunCustomGUIAction invokes the module serving req. With a single module
// loaded the module name may be omitted.
func (a *App) RunCustomGUIAction(ctx context.Context, req ActionRequest) (json.RawMessage, error) {
	if a.gui == nil {
		return nil, ErrNoCustomGUI
	}
	module := req.Module
	if module == "" {
		mods := a.gui.Modules()
		if len(mods) != 1 {
			return nil, ErrUnknownControl
		}
		module = mods[0]
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	out, err := a.gui.Invoke(ctx, module, customgui.CommandAction, payload)
	if err != nil {
		return nil, &report.CollaboratorError{Collaborator: "custom gui " + module, Err: err}
	}
	return out, nil
}

// SetView replaces the display configuration and broadcasts it.
func (a *App) SetView(view report.View) error {
	if err := view.Compile(); err != nil {
		return err
	}
	a.mu.Lock()
	a.view = view
	a.mu.Unlock()
	a.hub.Publish(hub.EventConfig, map[string]any{KeyConfig: view})
	a.bus.Publish(bus.TopicConfigViewChanged, view)
	return nil
}

// View returns the current display configuration.
func (a *App) View() report.View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

// Finalize stops any run, hands the store off and clears the hub.
func (a *App) Finalize(ctx context.Context) (builder.Locations, error) {
	a.mu.Lock()
	a.finalized = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()

	locs, err := a.builder.Finalize(ctx)
	if err != nil {
		a.logger.Error("finalize failed; local database kept", "error", err)
		audit.Record("report.finalize", audit.Fail, err.Error(), "")
	} else {
		audit.Record("report.finalize", audit.Allow, "", fmt.Sprint(locs.DBUrls))
	}
	a.hub.Reset()
	return locs, err
}
