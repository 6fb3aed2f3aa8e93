package sync

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope        = "apisync/sync"
	spanRun          = "sync.run"
	spanTick         = "sync.scheduler.tick"
	metricProcessed  = "apisync.sync.records.processed"
	metricCreated    = "apisync.sync.records.created"
	metricUpdated    = "apisync.sync.records.updated"
	metricErrors     = "apisync.sync.errors"
	metricTickSkips  = "apisync.scheduler.ticks.skipped"
	metricTickErrors = "apisync.scheduler.tick.errors"
)

// instruments are the OTel tracer and counters shared by services and
// schedulers. Always non-nil (no-op when telemetry is disabled).
type instruments struct {
	tracer        trace.Tracer
	cntProcessed  metric.Int64Counter
	cntCreated    metric.Int64Counter
	cntUpdated    metric.Int64Counter
	cntErrors     metric.Int64Counter
	cntTickSkips  metric.Int64Counter
	cntTickErrors metric.Int64Counter
}

func newInstruments(logger *slog.Logger) instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return instruments{
		tracer:        otel.Tracer(otelScope),
		cntProcessed:  mustCounter(metricProcessed, "Number of remote records processed"),
		cntCreated:    mustCounter(metricCreated, "Number of local documents created during sync"),
		cntUpdated:    mustCounter(metricUpdated, "Number of local documents updated during sync"),
		cntErrors:     mustCounter(metricErrors, "Number of errors recorded during sync"),
		cntTickSkips:  mustCounter(metricTickSkips, "Number of scheduler ticks skipped because a sync was in flight"),
		cntTickErrors: mustCounter(metricTickErrors, "Number of scheduler ticks that failed"),
	}
}
