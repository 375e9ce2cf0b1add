package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{}, "v1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.TracerProvider != nil {
		t.Fatalf("unexpected disabled provider %+v", p)
	}
	got, err := p.Collect(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty collection, got %v %v", got, err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_CollectsRecordedMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5}, "v1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.AttemptsIngested.Add(context.Background(), 3)

	got, err := p.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	sum, ok := got["shotreport.attempts.ingested"].(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 3 {
		t.Fatalf("unexpected attempts metric %#v", got["shotreport.attempts.ingested"])
	}
}

func TestInit_MetricsCanBeDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off}, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected tracing to stay on")
	}
	if got, _ := p.Collect(context.Background()); len(got) != 0 {
		t.Fatalf("expected no metrics, got %v", got)
	}
}

func TestInit_UnknownExporterListsSupported(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}, "")
	if err == nil || !strings.Contains(err.Error(), "none, otlp-http, stdout") {
		t.Fatalf("expected unknown exporter error, got %v", err)
	}
}

func TestSelectorAttrsOmitsEmptyParts(t *testing.T) {
	attrs := SelectorAttrs([]string{"header", "logo"}, "chrome", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %v", attrs)
	}
	if attrs[0].Key != AttrSuitePath || attrs[0].Value.AsString() != "header logo" {
		t.Fatalf("unexpected suite attribute %v", attrs[0])
	}
	if len(SelectorAttrs(nil, "", "")) != 0 {
		t.Fatal("expected no attributes")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "report.update_reference", AttrSelectors.Int(2))
	Fail(span, errors.New("reference missing"))
	Fail(span, nil)
	span.End()

	_, server := StartServerSpan(context.Background(), p.Tracer, "GET /init", AttrRunID.String("run-1"))
	server.End()
}
