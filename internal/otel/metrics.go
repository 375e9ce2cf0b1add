package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the report server's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	AttemptsIngested metric.Int64Counter
	ReferenceUpdates metric.Int64Counter
	AcceptRejects    metric.Int64Counter
	MalformedRows    metric.Int64Counter
	EqualDiffChecks  metric.Int64Counter
	BroadcastClients metric.Int64UpDownCounter
	RunDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("shotreport.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptsIngested, err = meter.Int64Counter("shotreport.attempts.ingested",
		metric.WithDescription("Test attempts written to the report store"),
	)
	if err != nil {
		return nil, err
	}

	m.ReferenceUpdates, err = meter.Int64Counter("shotreport.reference.updates",
		metric.WithDescription("Image states promoted to reference"),
	)
	if err != nil {
		return nil, err
	}

	m.AcceptRejects, err = meter.Int64Counter("shotreport.reference.rejects",
		metric.WithDescription("Accept requests rejected per selector"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedRows, err = meter.Int64Counter("shotreport.rows.malformed",
		metric.WithDescription("Stored rows skipped during reconstruction"),
	)
	if err != nil {
		return nil, err
	}

	m.EqualDiffChecks, err = meter.Int64Counter("shotreport.diff.comparisons",
		metric.WithDescription("Diff image comparisons performed by equal-diff search"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastClients, err = meter.Int64UpDownCounter("shotreport.broadcast.clients",
		metric.WithDescription("Connected live-update sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("shotreport.run.duration",
		metric.WithDescription("Test run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err)
	}
	return m
}
