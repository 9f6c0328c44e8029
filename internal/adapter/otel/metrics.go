package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "dispatchkit"

// Metrics holds all dispatch pipeline metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TasksScheduled  metric.Int64Counter
	TasksResolved   metric.Int64Counter
	TaskRetries     metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	TasksInFlight   metric.Int64UpDownCounter
	CacheLookups    metric.Int64Counter
	Coalesced       metric.Int64Counter
	SessionTTFC     metric.Float64Histogram
	SessionDuration metric.Float64Histogram
	SessionChunks   metric.Int64Histogram
	SessionBytes    metric.Int64Histogram
	BreakerChanges  metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(meterName))
}

// NewMetricsFromMeter creates all metric instruments on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksScheduled, err = meter.Int64Counter("dispatch.tasks.scheduled",
		metric.WithDescription("Number of tasks admitted to the scheduler"))
	if err != nil {
		return nil, err
	}

	m.TasksResolved, err = meter.Int64Counter("dispatch.tasks.resolved",
		metric.WithDescription("Number of tasks resolved, by outcome"))
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("dispatch.tasks.retries",
		metric.WithDescription("Number of task attempts re-queued after failure"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("dispatch.task.duration_seconds",
		metric.WithDescription("Task duration from admission to resolution in seconds"))
	if err != nil {
		return nil, err
	}

	m.TasksInFlight, err = meter.Int64UpDownCounter("dispatch.tasks.in_flight",
		metric.WithDescription("Tasks currently holding a concurrency slot"))
	if err != nil {
		return nil, err
	}

	m.CacheLookups, err = meter.Int64Counter("dispatch.cache.lookups",
		metric.WithDescription("Cache lookups by cache and result"))
	if err != nil {
		return nil, err
	}

	m.Coalesced, err = meter.Int64Counter("dispatch.coalescer.executions",
		metric.WithDescription("Coalesced executions and the submissions they absorbed"))
	if err != nil {
		return nil, err
	}

	m.SessionTTFC, err = meter.Float64Histogram("dispatch.session.time_to_first_chunk_seconds",
		metric.WithDescription("Time from session admission to the first streamed chunk"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("dispatch.session.duration_seconds",
		metric.WithDescription("Session duration until a terminal state"))
	if err != nil {
		return nil, err
	}

	m.SessionChunks, err = meter.Int64Histogram("dispatch.session.chunks",
		metric.WithDescription("Chunks received per session"))
	if err != nil {
		return nil, err
	}

	m.SessionBytes, err = meter.Int64Histogram("dispatch.session.bytes",
		metric.WithDescription("Bytes received per session"))
	if err != nil {
		return nil, err
	}

	m.BreakerChanges, err = meter.Int64Counter("dispatch.backend.breaker_transitions",
		metric.WithDescription("Backend circuit breaker state changes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskScheduled records an admission.
func (m *Metrics) TaskScheduled(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	m.TasksScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// TaskStarted and TaskStopped track slot occupancy.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksInFlight.Add(ctx, 1)
}

func (m *Metrics) TaskStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksInFlight.Add(ctx, -1)
}

// TaskRetried records a re-queued attempt.
func (m *Metrics) TaskRetried(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	m.TaskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// TaskResolved records a terminal outcome and its duration.
func (m *Metrics) TaskResolved(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.TasksResolved.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

// CacheLookup records a hit or miss on the named cache.
func (m *Metrics) CacheLookup(ctx context.Context, cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// CoalescedExecution records one execution absorbing n submissions.
func (m *Metrics) CoalescedExecution(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.Coalesced.Add(ctx, 1, metric.WithAttributes(attribute.Int("submissions", n)))
}

// SessionFinished records the per-session observability figures.
func (m *Metrics) SessionFinished(ctx context.Context, state string, ttfc, total time.Duration, chunks, bytes int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	if ttfc > 0 {
		m.SessionTTFC.Record(ctx, ttfc.Seconds(), attrs)
	}
	m.SessionDuration.Record(ctx, total.Seconds(), attrs)
	m.SessionChunks.Record(ctx, int64(chunks), attrs)
	m.SessionBytes.Record(ctx, int64(bytes), attrs)
}

// BreakerChanged records a circuit breaker transition.
func (m *Metrics) BreakerChanged(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
