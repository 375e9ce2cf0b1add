// Package gateway is the HTTP surface of the report server: initial state,
// live update streams, and the request-response actions.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/shotreport/internal/app"
	"github.com/basket/shotreport/internal/builder"
	"github.com/basket/shotreport/internal/config"
	otelPkg "github.com/basket/shotreport/internal/otel"
	"github.com/basket/shotreport/internal/report"
	"github.com/basket/shotreport/internal/shared"
	"github.com/basket/shotreport/internal/telemetry"
)

// TraceHeader carries a caller-supplied trace id.
const TraceHeader = "X-Trace-Id"

type Config struct {
	App     *app.App
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer

	CORS         config.CORSConfig
	AuthToken    string
	MaxBodyBytes int64

	// ReportDir, when set, is served under /images/ so diff images written
	// by the builder are reachable by viewers.
	ReportDir string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	schemas *schemas
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("gateway: app is required")
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics, tracer: cfg.Tracer, schemas: sc}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = otelPkg.NoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/init", s.handleInit)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/update-reference", s.handleUpdateReference)
	mux.HandleFunc("/find-equal-diffs", s.handleFindEqualDiffs)
	mux.HandleFunc("/run-custom-gui-action", s.handleCustomGUIAction)
	mux.HandleFunc("/api/events", s.handleIngest)
	mux.HandleFunc("/api/tree", s.handleTree)
	if s.cfg.ReportDir != "" {
		mux.Handle("/images/", http.FileServer(http.Dir(s.cfg.ReportDir)))
	}

	var h http.Handler = mux
	h = s.instrument(h)
	h = RequireToken(s.cfg.AuthToken)(h)
	h = LimitRequestBody(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// instrument assigns a trace id, opens a server span and records request
// duration for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(TraceHeader))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		w.Header().Set(TraceHeader, traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.metrics.RequestDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("path", r.URL.Path),
				attribute.Int("status", rec.status),
			))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.App.Tree(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"running":     s.cfg.App.Running(),
		"clients":     s.cfg.App.Hub().ClientCount(),
		"fingerprint": s.cfg.ConfigFingerprint,
		"version":     s.cfg.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	data, err := s.cfg.App.Data(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tree, err := s.cfg.App.Tree(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"root": tree.Root, "rows": tree.Rows, "malformed": len(tree.Malformed)})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req app.RunRequest
	if !s.decode(w, r, s.schemas.run, &req) {
		return
	}
	if v := r.URL.Query().Get("clear"); v == "1" || v == "true" {
		req.Clear = true
	}
	runID, err := s.cfg.App.Run(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID})
}

type updateResultJSON struct {
	Selector report.Selector     `json:"selector"`
	Attempt  *report.TestAttempt `json:"attempt,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) handleUpdateReference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var selectors []report.Selector
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		if err := decodeValidated(s.schemas.updateReference, body, &selectors); err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		var wrapped struct {
			Selectors []report.Selector `json:"selectors"`
		}
		if err := decodeValidated(s.schemas.updateReference, body, &wrapped); err != nil {
			s.fail(w, r, err)
			return
		}
		selectors = wrapped.Selectors
	}

	results, err := s.cfg.App.UpdateReferenceImage(r.Context(), selectors)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]updateResultJSON, 0, len(results))
	for _, res := range results {
		item := updateResultJSON{Selector: res.Selector, Attempt: res.Attempt}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleFindEqualDiffs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ref report.Selector
	if !s.decode(w, r, s.schemas.selector, &ref) {
		return
	}
	equal, err := s.cfg.App.FindEqualDiffs(r.Context(), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"equal": equal})
}

func (s *Server) handleCustomGUIAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req app.ActionRequest
	if !s.decode(w, r, s.schemas.action, &req) {
		return
	}
	out, err := s.cfg.App.RunCustomGUIAction(r.Context(), req)
	if err != nil {
		telemetry.FromContext(r.Context(), s.logger).Error("custom gui action failed", "module", req.Module, "error", err)
		writeError(w, http.StatusInternalServerError, "Error while running custom gui action: "+err.Error())
		return
	}
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleIngest accepts one execution event or an array of them, so engines
// can report over HTTP instead of through a runner.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var events []report.Event
	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		if err := decodeValidated(s.schemas.events, body, &events); err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		var ev report.Event
		if err := decodeValidated(s.schemas.events, body, &ev); err != nil {
			s.fail(w, r, err)
			return
		}
		events = []report.Event{ev}
	}

	accepted := 0
	for _, ev := range events {
		if err := s.cfg.App.Ingest(r.Context(), ev); err != nil {
			s.fail(w, r, err)
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return body, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := decodeValidated(schema, body, dst); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

// fail maps err onto a status code and writes {"error": msg}.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.FromContext(r.Context(), s.logger).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, report.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, builder.ErrFinalized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
