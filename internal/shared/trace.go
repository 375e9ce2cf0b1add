// Package shared holds small helpers used across the report server:
// request-scoped ids carried on contexts and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type idKind int

const (
	traceIDKey idKind = iota
	runIDKey
	clientIDKey
)

func withID(ctx context.Context, kind idKind, id string) context.Context {
	return context.WithValue(ctx, kind, id)
}

func idFrom(ctx context.Context, kind idKind) string {
	id, _ := ctx.Value(kind).(string)
	return id
}

// newID returns a time-ordered UUID so ids sort by creation in logs.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithTraceID tags ctx with the id of the request or job it serves.
func WithTraceID(ctx context.Context, id string) context.Context {
	return withID(ctx, traceIDKey, id)
}

// TraceID is "-" when ctx carries none.
func TraceID(ctx context.Context) string {
	if id := idFrom(ctx, traceIDKey); id != "" {
		return id
	}
	return "-"
}

func NewTraceID() string { return newID() }

// WithRunID tags ctx with the test run that produced the work.
func WithRunID(ctx context.Context, id string) context.Context {
	return withID(ctx, runIDKey, id)
}

func RunID(ctx context.Context) string { return idFrom(ctx, runIDKey) }

func NewRunID() string { return newID() }

// WithClientID tags ctx with a live-update session.
func WithClientID(ctx context.Context, id string) context.Context {
	return withID(ctx, clientIDKey, id)
}

func ClientID(ctx context.Context) string { return idFrom(ctx, clientIDKey) }

// LogAttrs returns the ids set on ctx as slog key/value pairs. trace_id is
// always present.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := RunID(ctx); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if id := ClientID(ctx); id != "" {
		attrs = append(attrs, "client_id", id)
	}
	return attrs
}
