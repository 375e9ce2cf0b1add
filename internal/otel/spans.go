package otel

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrBrowserID = attribute.Key("shotreport.browser.id")
	AttrSuitePath = attribute.Key("shotreport.suite.path")
	AttrStateName = attribute.Key("shotreport.state.name")
	AttrStatus    = attribute.Key("shotreport.status")
	AttrRunID     = attribute.Key("shotreport.run.id")
	AttrSelectors = attribute.Key("shotreport.selectors")
)

// SelectorAttrs describes one image state. Empty parts are omitted.
func SelectorAttrs(suitePath []string, browserID, stateName string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if len(suitePath) > 0 {
		attrs = append(attrs, AttrSuitePath.String(strings.Join(suitePath, " ")))
	}
	if browserID != "" {
		attrs = append(attrs, AttrBrowserID.String(browserID))
	}
	if stateName != "" {
		attrs = append(attrs, AttrStateName.String(stateName))
	}
	return attrs
}

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartServerSpan starts the span of one gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

// Fail marks span as failed with err. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
