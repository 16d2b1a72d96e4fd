package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// Store persists tracker state in a SQL database. It is both the tracker's
// Repository and its MetricsSource.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	tracer  trace.Tracer
}

var (
	_ compliance.Repository      = (*Store)(nil)
	_ compliance.MetricsSource   = (*Store)(nil)
	_ compliance.MetricsRecorder = (*Store)(nil)
)

// NewStore creates a store over an open, migrated database
func NewStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.Named("store"),
		tracer:  otel.Tracer("compliance-tracker/database"),
	}
}

// DB exposes the underlying handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FetchMetrics returns the most recently recorded metrics row
func (s *Store) FetchMetrics(ctx context.Context) (*compliance.Metrics, error) {
	ctx, span := s.startSpan(ctx, "Store.FetchMetrics", "compliance_metrics")
	defer span.End()

	query := s.dialect.Rebind(`
		SELECT gdpr_compliance, pippa_compliance, data_subject_requests,
		       consent_rate, audit_findings, recorded_at
		FROM compliance_metrics
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`)

	var (
		m          compliance.Metrics
		rate       decimal.Decimal
		recordedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&m.GDPRCompliance,
		&m.PIPPACompliance,
		&m.DataSubjectRequests,
		&rate,
		&m.AuditFindings,
		&recordedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		recordSpanError(span, err)
		return nil, errors.NewNotFoundError("compliance metrics")
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to query compliance metrics: %w", err)
	}

	m.ConsentRate = rate
	m.LastUpdate = recordedAt.UTC()
	m = m.WithScore()

	return &m, nil
}

// RecordMetrics appends a metrics snapshot; FetchMetrics returns the latest.
func (s *Store) RecordMetrics(ctx context.Context, m compliance.Metrics) error {
	ctx, span := s.startSpan(ctx, "Store.RecordMetrics", "compliance_metrics")
	defer span.End()

	recordedAt := m.LastUpdate
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := s.dialect.Rebind(`
		INSERT INTO compliance_metrics (
			gdpr_compliance, pippa_compliance, data_subject_requests,
			consent_rate, audit_findings, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		m.GDPRCompliance,
		m.PIPPACompliance,
		m.DataSubjectRequests,
		m.ConsentRate.String(),
		m.AuditFindings,
		recordedAt.UTC(),
	)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to insert compliance metrics: %w", err)
	}
	return nil
}

// SaveDataMapping inserts a data mapping
func (s *Store) SaveDataMapping(ctx context.Context, mapping *compliance.DataMapping) error {
	ctx, span := s.startSpan(ctx, "Store.SaveDataMapping", "data_mappings")
	defer span.End()

	query := s.dialect.Rebind(`
		INSERT INTO data_mappings (
			id, data_type, category, purpose, legal_basis, retention, risk_level, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		mapping.ID.String(),
		mapping.DataType,
		mapping.Category,
		mapping.Purpose,
		mapping.LegalBasis,
		mapping.Retention,
		string(mapping.RiskLevel),
		mapping.LastUpdated.UTC(),
	)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to insert data mapping: %w", err)
	}

	s.logger.Debug("data mapping stored", zap.String("id", mapping.ID.String()))
	return nil
}

// SaveConsentRecord inserts a consent record
func (s *Store) SaveConsentRecord(ctx context.Context, record *compliance.ConsentRecord) error {
	ctx, span := s.startSpan(ctx, "Store.SaveConsentRecord", "consent_records")
	defer span.End()

	query := s.dialect.Rebind(`
		INSERT INTO consent_records (id, user_id, category, action, ip_address, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		record.ID.String(),
		record.UserID,
		record.Category,
		string(record.Action),
		record.IPAddress,
		record.Timestamp.UTC(),
	)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to insert consent record: %w", err)
	}
	return nil
}

// SubmitBreachNotification records a breach notification
func (s *Store) SubmitBreachNotification(ctx context.Context, n *compliance.BreachNotification) error {
	ctx, span := s.startSpan(ctx, "Store.SubmitBreachNotification", "breach_notifications")
	defer span.End()

	query := s.dialect.Rebind(`
		INSERT INTO breach_notifications (
			id, description, affected_users, severity, containment_actions,
			regulation, findings_added, reported_at, notification_deadline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		n.ID.String(),
		n.Description,
		n.AffectedUsers,
		string(n.Severity),
		n.ContainmentActions,
		n.Regulation,
		n.FindingsAdded,
		n.ReportedAt.UTC(),
		n.NotificationDeadline.UTC(),
	)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to insert breach notification: %w", err)
	}

	s.logger.Info("breach notification stored",
		zap.String("id", n.ID.String()),
		zap.String("severity", string(n.Severity)),
	)
	return nil
}

// ListDataMappings returns all mappings, newest first. Ids are UUIDv7 so
// their order is creation order.
func (s *Store) ListDataMappings(ctx context.Context) ([]*compliance.DataMapping, error) {
	ctx, span := s.startSpan(ctx, "Store.ListDataMappings", "data_mappings")
	defer span.End()

	query := s.dialect.Rebind(`
		SELECT id, data_type, category, purpose, legal_basis, retention, risk_level, last_updated
		FROM data_mappings
		ORDER BY id DESC`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to query data mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*compliance.DataMapping{}
	for rows.Next() {
		var (
			m         compliance.DataMapping
			riskLevel string
		)
		if err := rows.Scan(
			&m.ID, &m.DataType, &m.Category, &m.Purpose,
			&m.LegalBasis, &m.Retention, &riskLevel, &m.LastUpdated,
		); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to scan data mapping: %w", err)
		}
		m.RiskLevel = compliance.RiskLevel(riskLevel)
		m.LastUpdated = m.LastUpdated.UTC()
		mappings = append(mappings, &m)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to iterate data mappings: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows", len(mappings)))
	return mappings, nil
}

// ListConsentRecords returns up to limit consent records, newest first
func (s *Store) ListConsentRecords(ctx context.Context, limit int) ([]*compliance.ConsentRecord, error) {
	ctx, span := s.startSpan(ctx, "Store.ListConsentRecords", "consent_records")
	defer span.End()

	if limit <= 0 {
		return []*compliance.ConsentRecord{}, nil
	}

	query := s.dialect.Rebind(`
		SELECT id, user_id, category, action, ip_address, recorded_at
		FROM consent_records
		ORDER BY id DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to query consent records: %w", err)
	}
	defer rows.Close()

	records := make([]*compliance.ConsentRecord, 0, min(limit, 256))
	for rows.Next() {
		var (
			r      compliance.ConsentRecord
			action string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Category, &action, &r.IPAddress, &r.Timestamp); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to scan consent record: %w", err)
		}
		r.Action = compliance.ConsentAction(action)
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to iterate consent records: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows", len(records)))
	return records, nil
}

// ListBreachNotifications returns breach notifications, newest first
func (s *Store) ListBreachNotifications(ctx context.Context, limit int) ([]*compliance.BreachNotification, error) {
	ctx, span := s.startSpan(ctx, "Store.ListBreachNotifications", "breach_notifications")
	defer span.End()

	query := s.dialect.Rebind(`
		SELECT id, description, affected_users, severity, containment_actions,
		       regulation, findings_added, reported_at, notification_deadline
		FROM breach_notifications
		ORDER BY id DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to query breach notifications: %w", err)
	}
	defer rows.Close()

	var out []*compliance.BreachNotification
	for rows.Next() {
		var (
			n        compliance.BreachNotification
			severity string
		)
		if err := rows.Scan(
			&n.ID, &n.Description, &n.AffectedUsers, &severity, &n.ContainmentActions,
			&n.Regulation, &n.FindingsAdded, &n.ReportedAt, &n.NotificationDeadline,
		); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to scan breach notification: %w", err)
		}
		n.Severity = compliance.Severity(severity)
		n.ReportedAt = n.ReportedAt.UTC()
		n.NotificationDeadline = n.NotificationDeadline.UTC()
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to iterate breach notifications: %w", err)
	}
	return out, nil
}

func (s *Store) startSpan(ctx context.Context, name, table string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", string(s.dialect)),
			attribute.String("db.sql.table", table),
		),
	)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
