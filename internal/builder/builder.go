// Package builder is the ingest side of the report: it normalizes attempts
// reported by the execution engine, appends them to the store, drives the
// accept transition and hands the store off at finalize.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/shotreport/internal/bus"
	"github.com/basket/shotreport/internal/differ"
	"github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/saver"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// DatabaseURLsFile lists the hand-off locations written at finalize.
const DatabaseURLsFile = "databaseUrls.json"

// ErrFinalized is returned by writes after Finalize.
var ErrFinalized = errors.New("report already finalized")

// Store is the persistence the builder writes through.
type Store interface {
	InsertAttempt(ctx context.Context, r report.Row) error
	UpsertBrowsers(ctx context.Context, names []string) error
	SelectSuites(ctx context.Context) ([]report.Row, error)
	SelectBrowsers(ctx context.Context) ([]string, error)
	CopyTo(ctx context.Context, dest string) (string, error)
	Clear(ctx context.Context) error
	Path() string
	Close() error
}

// Differ compares image artifacts.
type Differ interface {
	Equal(ctx context.Context, a, b string) (bool, error)
	Compare(ctx context.Context, expected, actual, diffPath string) (differ.Result, error)
}

type Config struct {
	Store  Store
	Differ Differ
	// Saver receives the store file at finalize. Nil keeps the file in place.
	Saver      saver.Saver
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	ReportPath string
	// DiffConcurrency bounds parallel comparisons in FindEqualDiffs.
	DiffConcurrency int
	Now             func() time.Time
}

type Builder struct {
	store   Store
	differ  Differ
	saver   saver.Saver
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	reportPath      string
	diffConcurrency int
	now             func() time.Time

	// mu serializes writes so timestamps within a lineage strictly increase.
	mu        sync.Mutex
	lastTS    map[string]int64
	finalized bool
	locations *Locations
}

func New(cfg Config) (*Builder, error) {
	if cfg.Store == nil {
		return nil, errors.New("builder: store is required")
	}
	b := &Builder{
		store:           cfg.Store,
		differ:          cfg.Differ,
		saver:           cfg.Saver,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		reportPath:      cfg.ReportPath,
		diffConcurrency: cfg.DiffConcurrency,
		now:             cfg.Now,
		lastTS:          map[string]int64{},
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.metrics == nil {
		b.metrics = otel.NoopMetrics()
	}
	if b.tracer == nil {
		b.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.diffConcurrency <= 0 {
		b.diffConcurrency = 4
	}
	if b.reportPath == "" {
		b.reportPath = filepath.Dir(cfg.Store.Path())
	}
	return b, nil
}

func (b *Builder) AddSkipped(ctx context.Context, a report.TestAttempt) (report.TestAttempt, error) {
	return b.add(ctx, report.StatusSkipped, a)
}

func (b *Builder) AddSuccess(ctx context.Context, a report.TestAttempt) (report.TestAttempt, error) {
	return b.add(ctx, report.StatusSuccess, a)
}

// AddFail stores a failed attempt. Failing states that carry both images but
// no diff are compared first so the stored row has a diff and clusters.
func (b *Builder) AddFail(ctx context.Context, a report.TestAttempt) (report.TestAttempt, error) {
	a.ImagesInfo = b.fillDiffs(ctx, a)
	return b.add(ctx, report.StatusFail, a)
}

func (b *Builder) AddError(ctx context.Context, a report.TestAttempt) (report.TestAttempt, error) {
	return b.add(ctx, report.StatusError, a)
}

// Add routes an attempt by status.
func (b *Builder) Add(ctx context.Context, a report.TestAttempt) (report.TestAttempt, error) {
	switch a.Status {
	case report.StatusSkipped:
		return b.AddSkipped(ctx, a)
	case report.StatusSuccess:
		return b.AddSuccess(ctx, a)
	case report.StatusFail:
		return b.AddFail(ctx, a)
	case report.StatusError:
		return b.AddError(ctx, a)
	default:
		return report.TestAttempt{}, fmt.Errorf("cannot ingest attempt with status %q", a.Status)
	}
}

func (b *Builder) add(ctx context.Context, status report.Status, a report.TestAttempt) (report.TestAttempt, error) {
	if len(a.SuitePath) == 0 {
		return report.TestAttempt{}, errors.New("attempt has empty suite path")
	}
	if a.BrowserID == "" {
		return report.TestAttempt{}, errors.New("attempt has empty browser id")
	}
	a.Status = status

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return report.TestAttempt{}, ErrFinalized
	}

	lineage := a.Lineage()
	if a.Timestamp == 0 {
		a.Timestamp = b.nextTimestamp(lineage, b.now().UnixMilli())
	}
	row, err := report.Encode(a)
	if err != nil {
		return report.TestAttempt{}, err
	}
	if err := b.store.InsertAttempt(ctx, row); err != nil {
		return report.TestAttempt{}, err
	}
	if a.Timestamp > b.lastTS[lineage] {
		b.lastTS[lineage] = a.Timestamp
	}

	b.metrics.AttemptsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	b.bus.Publish(bus.TopicAttemptAdded, bus.AttemptAddedEvent{
		Lineage:   lineage,
		SuitePath: a.SuitePath,
		BrowserID: a.BrowserID,
		Status:    string(status),
		Timestamp: a.Timestamp,
	})
	b.logger.Debug("attempt stored", "suite", a.SuitePath, "browser", a.BrowserID, "status", status, "timestamp", a.Timestamp)
	return a, nil
}

// nextTimestamp returns candidate, bumped past the last timestamp of the
// lineage when needed. Callers hold mu.
func (b *Builder) nextTimestamp(lineage string, candidate int64) int64 {
	if last, ok := b.lastTS[lineage]; ok && candidate <= last {
		return last + 1
	}
	return candidate
}

func (b *Builder) fillDiffs(ctx context.Context, a report.TestAttempt) []report.ImageState {
	if b.differ == nil || len(a.ImagesInfo) == 0 {
		return a.ImagesInfo
	}
	states := make([]report.ImageState, len(a.ImagesInfo))
	copy(states, a.ImagesInfo)
	for i, st := range states {
		if st.Status != report.StatusFail || st.DiffImg != nil || st.ExpectedImg == nil || st.ActualImg == nil {
			continue
		}
		diffPath := path.Join("images", uuid.NewString()+"~diff.png")
		res, err := b.differ.Compare(ctx, st.ExpectedImg.Path, st.ActualImg.Path, diffPath)
		if err != nil {
			b.logger.Warn("diff failed", "suite", a.SuitePath, "browser", a.BrowserID, "state", st.StateName,
				"error", &report.CollaboratorError{Collaborator: "differ", Err: err})
			continue
		}
		if res.Equal {
			continue
		}
		states[i].DiffImg = &report.Artifact{Path: res.DiffImagePath}
		states[i].DiffClusters = res.Clusters
	}
	return states
}

// SetBrowsers registers the browsers of the current run.
func (b *Builder) SetBrowsers(ctx context.Context, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	if err := b.store.UpsertBrowsers(ctx, names); err != nil {
		return err
	}
	b.bus.Publish(bus.TopicBrowsersSet, names)
	return nil
}

// Browsers lists registered browsers.
func (b *Builder) Browsers(ctx context.Context) ([]string, error) {
	return b.store.SelectBrowsers(ctx)
}

// Tree reconstructs the report from every stored row. Malformed rows are
// logged and skipped.
func (b *Builder) Tree(ctx context.Context) (report.Tree, error) {
	rows, err := b.store.SelectSuites(ctx)
	if err != nil {
		return report.Tree{}, err
	}
	if len(rows) == 0 {
		b.logger.Warn("report has no stored attempts yet", "table", "suites")
	}
	t := report.BuildTree(rows)
	for _, me := range t.Malformed {
		b.logger.Warn("skipping malformed row", "row", me.Index, "field", me.Field, "error", me.Err)
		b.bus.Publish(bus.TopicMalformedRow, me.Index)
	}
	if n := len(t.Malformed); n > 0 {
		b.metrics.MalformedRows.Add(ctx, int64(n))
	}
	return t, nil
}

// Latest returns the newest stored attempt of one lineage.
func (b *Builder) Latest(ctx context.Context, suitePath []string, browserID string) (report.TestAttempt, bool, error) {
	t, err := b.Tree(ctx)
	if err != nil {
		return report.TestAttempt{}, false, err
	}
	a, ok := t.Latest(suitePath, browserID)
	return a, ok, nil
}

// Load reconstructs the tree and seeds per-lineage timestamps from it, so
// attempts ingested afterwards sort after what is already stored.
func (b *Builder) Load(ctx context.Context) (report.Tree, error) {
	t, err := b.Tree(ctx)
	if err != nil {
		return report.Tree{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t.Root.Walk(func(_ *report.Suite, br *report.BrowserResult) {
		latest := br.Latest()
		if latest.Timestamp > b.lastTS[latest.Lineage()] {
			b.lastTS[latest.Lineage()] = latest.Timestamp
		}
	})
	return t, nil
}

// Reset drops every stored row. Used when a run starts from a clean report.
func (b *Builder) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	if err := b.store.Clear(ctx); err != nil {
		return err
	}
	b.lastTS = map[string]int64{}
	return nil
}

// Locations is the content of databaseUrls.json.
type Locations struct {
	DBUrls   []string `json:"dbUrls"`
	JSONUrls []string `json:"jsonUrls"`
}

// Finalize closes the store and, when a saver is configured, hands a copy of
// the database to it, records the returned location in databaseUrls.json and
// removes the local file. A failed hand-off keeps the local file and returns
// a *report.StoreCopyError. Later calls return the first result.
func (b *Builder) Finalize(ctx context.Context) (Locations, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		if b.locations != nil {
			return *b.locations, nil
		}
		return Locations{}, nil
	}
	b.finalized = true

	if b.saver == nil {
		if err := b.store.Close(); err != nil {
			return Locations{}, fmt.Errorf("close store: %w", err)
		}
		b.logger.Info("report finalized", "db", b.store.Path())
		return Locations{}, nil
	}

	localPath := b.store.Path()
	tmpDir, err := os.MkdirTemp("", "shotreport-finalize-*")
	if err != nil {
		_ = b.store.Close()
		return Locations{}, &report.StoreCopyError{Dest: os.TempDir(), Err: err}
	}
	defer os.RemoveAll(tmpDir)

	copyPath, err := b.store.CopyTo(ctx, filepath.Join(tmpDir, filepath.Base(localPath)))
	if closeErr := b.store.Close(); closeErr != nil {
		b.logger.Warn("close store", "error", closeErr)
	}
	if err != nil {
		b.logger.Error("store copy failed, keeping local database", "db", localPath, "error", err)
		return Locations{}, err
	}

	loc, err := b.saver.Save(ctx, copyPath)
	if err != nil {
		copyErr := &report.StoreCopyError{Dest: "saver", Err: err}
		b.logger.Error("store hand-off failed, keeping local database", "db", localPath, "error", copyErr)
		return Locations{}, copyErr
	}

	locs := Locations{DBUrls: []string{loc}, JSONUrls: []string{}}
	if err := writeLocations(filepath.Join(b.reportPath, DatabaseURLsFile), locs); err != nil {
		b.logger.Error("write database urls", "error", err)
		return locs, err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(localPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("remove local database", "path", localPath+suffix, "error", err)
		}
	}
	b.locations = &locs
	b.bus.Publish(bus.TopicReportFinalized, bus.FinalizedEvent{DBUrls: locs.DBUrls})
	b.logger.Info("report finalized", "db_url", loc)
	return locs, nil
}

func writeLocations(p string, locs Locations) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(locs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
