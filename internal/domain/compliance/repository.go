package compliance

import "context"

// MetricsSource retrieves the current compliance figures from the backing
// data store. Implementations may fail with any error.
type MetricsSource interface {
	FetchMetrics(ctx context.Context) (*Metrics, error)
}

// Repository persists tracker mutations.
type Repository interface {
	// SaveDataMapping stores a newly created mapping
	SaveDataMapping(ctx context.Context, mapping *DataMapping) error

	// SaveConsentRecord stores a consent decision
	SaveConsentRecord(ctx context.Context, record *ConsentRecord) error

	// SubmitBreachNotification records a breach notification for the audit trail
	SubmitBreachNotification(ctx context.Context, notification *BreachNotification) error

	// ListDataMappings returns all mappings, most recently created first
	ListDataMappings(ctx context.Context) ([]*DataMapping, error)

	// ListConsentRecords returns up to limit consents, newest first
	ListConsentRecords(ctx context.Context, limit int) ([]*ConsentRecord, error)
}

// MetricsRecorder stores a metrics snapshot so later fetches from the
// MetricsSource return it.
type MetricsRecorder interface {
	RecordMetrics(ctx context.Context, m Metrics) error
}
