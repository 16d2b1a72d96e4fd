package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the tracker's metrics.
const MeterName = "compliance-tracker"

// Registry holds the tracker's OpenTelemetry instruments
type Registry struct {
	meter metric.Meter

	// Tracker operations
	OperationDuration metric.Float64Histogram
	OperationCounter  metric.Int64Counter
	NotificationCount metric.Int64Counter
	ReportSize        metric.Int64Histogram

	// Posture gauges, observed from the last committed metrics
	ComplianceScore metric.Int64ObservableGauge
	ConsentRate     metric.Float64ObservableGauge
	AuditFindings   metric.Int64ObservableGauge

	// Infrastructure
	CacheLookups metric.Int64Counter

	mu          sync.RWMutex
	score       int64
	consentRate float64
	findings    int64
}

// NewRegistry creates the registry on the global meter provider
func NewRegistry() (*Registry, error) {
	return NewRegistryWithMeter(otel.Meter(MeterName))
}

// NewRegistryWithMeter creates the registry on an explicit meter
func NewRegistryWithMeter(meter metric.Meter) (*Registry, error) {
	r := &Registry{meter: meter}

	if err := r.initOperationMetrics(); err != nil {
		return nil, err
	}
	if err := r.initPostureMetrics(); err != nil {
		return nil, err
	}

	var err error
	r.CacheLookups, err = r.meter.Int64Counter(
		"compliance.cache.lookups",
		metric.WithDescription("Metrics cache lookups by result"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initOperationMetrics() error {
	var err error

	r.OperationDuration, err = r.meter.Float64Histogram(
		"compliance.tracker.operation_duration",
		metric.WithDescription("Duration of tracker operations in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.OperationCounter, err = r.meter.Int64Counter(
		"compliance.tracker.operations",
		metric.WithDescription("Tracker operations by name and outcome"),
	)
	if err != nil {
		return err
	}

	r.NotificationCount, err = r.meter.Int64Counter(
		"compliance.tracker.notifications",
		metric.WithDescription("Notifications emitted by variant"),
	)
	if err != nil {
		return err
	}

	r.ReportSize, err = r.meter.Int64Histogram(
		"compliance.report.size",
		metric.WithDescription("Size of delivered audit reports"),
		metric.WithUnit("By"),
	)
	return err
}

func (r *Registry) initPostureMetrics() error {
	var err error

	r.ComplianceScore, err = r.meter.Int64ObservableGauge(
		"compliance.score",
		metric.WithDescription("Overall compliance score (0-100)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.score)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.ConsentRate, err = r.meter.Float64ObservableGauge(
		"compliance.consent_rate",
		metric.WithDescription("Current consent rate percentage"),
		metric.WithUnit("%"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.consentRate)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.AuditFindings, err = r.meter.Int64ObservableGauge(
		"compliance.audit_findings",
		metric.WithDescription("Outstanding audit findings"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.findings)
			return nil
		}),
	)
	return err
}

// SetPosture stores the values reported by the posture gauges
func (r *Registry) SetPosture(score int, consentRate float64, findings int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.score = int64(score)
	r.consentRate = consentRate
	r.findings = int64(findings)
}

// RecordOperation records the duration and outcome of a tracker operation
func (r *Registry) RecordOperation(ctx context.Context, operation string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)

	r.OperationDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	r.OperationCounter.Add(ctx, 1, attrs)
}

// RecordNotification counts an emitted notification
func (r *Registry) RecordNotification(ctx context.Context, variant string) {
	r.NotificationCount.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", variant)))
}

// RecordReport records the size of a delivered report
func (r *Registry) RecordReport(ctx context.Context, format string, size int) {
	r.ReportSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("format", format)))
}

// RecordCacheLookup counts a metrics cache hit or miss
func (r *Registry) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
