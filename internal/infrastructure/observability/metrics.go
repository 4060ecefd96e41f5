package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	RequestCount      metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	DBQueryDuration   metric.Float64Histogram
	JobsEnqueued      metric.Int64Counter
	RowsProcessed     metric.Int64Counter
	FailuresRecorded  metric.Int64Counter
	BreakerOpened     metric.Int64Counter
	LockContention    metric.Int64Counter
	CellWriteDuration metric.Float64Histogram
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.RequestCount, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.DBQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.JobsEnqueued, err = meter.Int64Counter(
		"swarm.jobs.enqueued",
		metric.WithDescription("Number of jobs placed on the work queue"),
	); err != nil {
		return nil, err
	}
	if m.RowsProcessed, err = meter.Int64Counter(
		"swarm.rows.processed",
		metric.WithDescription("Number of rows enriched, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.FailuresRecorded, err = meter.Int64Counter(
		"swarm.failures.recorded",
		metric.WithDescription("Number of failure records created"),
	); err != nil {
		return nil, err
	}
	if m.BreakerOpened, err = meter.Int64Counter(
		"swarm.breaker.opened",
		metric.WithDescription("Number of circuit breaker open transitions"),
	); err != nil {
		return nil, err
	}
	if m.LockContention, err = meter.Int64Counter(
		"swarm.lock.contention",
		metric.WithDescription("Number of lock acquisitions that found the resource held"),
	); err != nil {
		return nil, err
	}
	if m.CellWriteDuration, err = meter.Float64Histogram(
		"swarm.cell.write.duration",
		metric.WithDescription("Cell write duration including lock acquisition in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequestMetric records an HTTP request
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	}

	metrics.RequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordDBMetric records a database operation metric
func RecordDBMetric(ctx context.Context, metrics *Metrics, operation string, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
	}
	metrics.DBQueryDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordJobEnqueued counts a queued job by name
func RecordJobEnqueued(ctx context.Context, metrics *Metrics, jobName string) {
	if metrics == nil {
		return
	}
	metrics.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("job.name", jobName)))
}

// RecordRowProcessed counts an enriched row by outcome
func RecordRowProcessed(ctx context.Context, metrics *Metrics, datasetID string, success bool) {
	if metrics == nil {
		return
	}
	metrics.RowsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dataset.id", datasetID),
		attribute.Bool("success", success),
	))
}

// RecordFailure counts a failure record by type
func RecordFailure(ctx context.Context, metrics *Metrics, failureType string) {
	if metrics == nil {
		return
	}
	metrics.FailuresRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("failure.type", failureType)))
}

// RecordBreakerOpened counts a breaker trip
func RecordBreakerOpened(ctx context.Context, metrics *Metrics, targetID string) {
	if metrics == nil {
		return
	}
	metrics.BreakerOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker.target", targetID)))
}

// RecordLockContention counts a failed lock acquisition
func RecordLockContention(ctx context.Context, metrics *Metrics) {
	if metrics == nil {
		return
	}
	metrics.LockContention.Add(ctx, 1)
}

// RecordCellWrite records a cell write duration
func RecordCellWrite(ctx context.Context, metrics *Metrics, written bool, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.CellWriteDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.Bool("written", written)))
}
