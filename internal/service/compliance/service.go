package compliance

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
	"github.com/davidleathers/compliance-tracker/internal/metrics"
)

// DefaultHydrateLimit bounds how many consent records Hydrate loads.
const DefaultHydrateLimit = 1000

// Options tune a Tracker. The zero value is usable.
type Options struct {
	// ClampConsentRate holds consentRate within [0, 100] when consent events
	// are applied. The score is clamped either way.
	ClampConsentRate bool

	// ReportFormat is used by GenerateAuditReport. Defaults to JSON.
	ReportFormat ReportFormat

	// HydrateLimit caps the consent records loaded by Hydrate.
	HydrateLimit int

	// Initial replaces DefaultMetrics as the starting posture.
	Initial *compliance.Metrics

	// Now overrides the clock.
	Now func() time.Time

	// Metrics receives operation and posture measurements. Optional.
	Metrics *metrics.Registry

	// Recorder persists the metrics after consent and breach commits so the
	// next fetch returns them. When the source has no metrics yet, FetchMetrics
	// seeds it with the current posture. Optional.
	Recorder compliance.MetricsRecorder
}

// ReportResult describes a delivered audit report
type ReportResult struct {
	Filename    string                  `json:"filename"`
	ContentType string                  `json:"contentType"`
	Size        int                     `json:"size"`
	Report      *compliance.AuditReport `json:"-"`
}

type state struct {
	metrics  compliance.Metrics
	mappings []*compliance.DataMapping    // newest first
	consents []*compliance.ConsentRecord // newest first
}

// Tracker owns the compliance posture: the metrics singleton and the
// append-only data mapping and consent collections. All mutation goes
// through its methods; collaborator calls happen outside the lock and state
// changes only after they succeed.
type Tracker struct {
	logger   *zap.Logger
	source   compliance.MetricsSource
	recorder compliance.MetricsRecorder
	repo     compliance.Repository
	notifier Notifier
	sink     ReportSink
	registry *metrics.Registry
	tracer   trace.Tracer

	clamp        bool
	format       ReportFormat
	hydrateLimit int
	now          func() time.Time

	mu    sync.RWMutex
	state state

	// recordMu orders snapshot writes
	recordMu sync.Mutex

	inFlight atomic.Int64
}

// NewTracker creates a tracker. sink may be nil when reports are only ever
// delivered through DeliverAuditReport.
func NewTracker(
	logger *zap.Logger,
	source compliance.MetricsSource,
	repo compliance.Repository,
	notifier Notifier,
	sink ReportSink,
	opts Options,
) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReportFormat == "" {
		opts.ReportFormat = FormatJSON
	}
	if opts.HydrateLimit <= 0 {
		opts.HydrateLimit = DefaultHydrateLimit
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, compliance.Notification) {})
	}

	initial := compliance.DefaultMetrics(opts.Now())
	if opts.Initial != nil {
		initial = opts.Initial.WithScore()
	}

	t := &Tracker{
		logger:       logger.Named("tracker"),
		source:       source,
		recorder:     opts.Recorder,
		repo:         repo,
		notifier:     notifier,
		sink:         sink,
		registry:     opts.Metrics,
		tracer:       otel.Tracer("compliance-tracker/service"),
		clamp:        opts.ClampConsentRate,
		format:       opts.ReportFormat,
		hydrateLimit: opts.HydrateLimit,
		now:          opts.Now,
		state: state{
			metrics:  initial,
			mappings: []*compliance.DataMapping{},
			consents: []*compliance.ConsentRecord{},
		},
	}
	t.publishPosture(initial)

	return t
}

// Metrics returns the current metrics snapshot
func (t *Tracker) Metrics() compliance.Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.metrics
}

// DataMappings returns a copy of the mapping collection, newest first
func (t *Tracker) DataMappings() []*compliance.DataMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*compliance.DataMapping, len(t.state.mappings))
	for i, m := range t.state.mappings {
		c := *m
		out[i] = &c
	}
	return out
}

// ConsentRecords returns up to limit consent records, newest first. A limit
// of zero or less returns all of them.
func (t *Tracker) ConsentRecords(limit int) []*compliance.ConsentRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := t.state.consents
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	out := make([]*compliance.ConsentRecord, len(records))
	for i, r := range records {
		c := *r
		out[i] = &c
	}
	return out
}

// Busy reports whether any operation is in flight
func (t *Tracker) Busy() bool {
	return t.inFlight.Load() > 0
}

// FetchMetrics replaces the metrics with the source's current figures and
// stamps lastUpdate. Overlapping fetches commit in completion order, so the
// last one to finish wins. On failure the previous metrics are kept.
func (t *Tracker) FetchMetrics(ctx context.Context) (m compliance.Metrics, err error) {
	ctx, done := t.begin(ctx, "fetch_metrics")
	defer func() { done(err) }()

	fetched, ferr := t.source.FetchMetrics(ctx)
	if errors.IsNotFound(ferr) && t.recorder != nil {
		return t.seedMetrics(ctx, ferr)
	}
	if ferr == nil && fetched == nil {
		ferr = stderrors.New("metrics source returned no data")
	}
	if ferr != nil {
		err = errors.NewFetchError(ferr)
		t.fail(ctx, "Failed to fetch metrics", "Compliance metrics could not be refreshed. Showing the last known values.", err)
		return compliance.Metrics{}, err
	}

	next := *fetched
	next.LastUpdate = t.now().UTC()

	m = t.commit(func(s *state) {
		s.metrics = next
	})

	t.logger.Debug("Metrics refreshed",
		zap.Int("overall_score", m.OverallScore),
		zap.String("consent_rate", m.ConsentRate.String()),
		zap.Int("audit_findings", m.AuditFindings),
	)

	return m, nil
}

// AddDataMapping records a new data mapping. The mapping is persisted first
// and only then prepended to the collection.
func (t *Tracker) AddDataMapping(ctx context.Context, in compliance.DataMappingInput) (mapping *compliance.DataMapping, err error) {
	ctx, done := t.begin(ctx, "add_data_mapping")
	defer func() { done(err) }()

	mapping, err = compliance.NewDataMapping(in, t.now())
	if err != nil {
		t.fail(ctx, "Invalid data mapping", describe(err), err)
		return nil, err
	}

	if perr := t.repo.SaveDataMapping(ctx, mapping); perr != nil {
		err = errors.NewPersistError("data mapping", perr)
		t.fail(ctx, "Failed to add data mapping", "The data mapping was not saved. Please try again.", err)
		return nil, err
	}

	t.commit(func(s *state) {
		s.mappings = slices.Insert(s.mappings, 0, mapping)
	})

	t.logger.Info("Data mapping added",
		zap.String("mapping_id", mapping.ID.String()),
		zap.String("data_type", mapping.DataType),
		zap.String("risk_level", mapping.RiskLevel.String()),
	)
	t.succeed(ctx, "Data mapping added", fmt.Sprintf("%s (%s) has been added to the data inventory.", mapping.DataType, mapping.Category))

	out := *mapping
	return &out, nil
}

// RecordConsent records a consent decision and moves consentRate one step
// in the direction of the action.
func (t *Tracker) RecordConsent(ctx context.Context, in compliance.ConsentInput) (record *compliance.ConsentRecord, err error) {
	ctx, done := t.begin(ctx, "record_consent")
	defer func() { done(err) }()

	record, err = compliance.NewConsentRecord(in, t.now())
	if err != nil {
		t.fail(ctx, "Invalid consent record", describe(err), err)
		return nil, err
	}

	if perr := t.repo.SaveConsentRecord(ctx, record); perr != nil {
		err = errors.NewPersistError("consent record", perr)
		t.fail(ctx, "Failed to record consent", "The consent decision was not saved. Please try again.", err)
		return nil, err
	}

	m := t.commit(func(s *state) {
		s.consents = slices.Insert(s.consents, 0, record)
		s.metrics = s.metrics.ApplyConsent(record.Action, t.clamp)
	})
	t.persistMetrics(ctx)

	t.logger.Info("Consent recorded",
		zap.String("consent_id", record.ID.String()),
		zap.String("user_id", record.UserID),
		zap.String("action", record.Action.String()),
		zap.String("consent_rate", m.ConsentRate.String()),
	)
	t.succeed(ctx, "Consent recorded", fmt.Sprintf("%s for %s recorded for user %s.", record.Action, record.Category, record.UserID))

	out := *record
	return &out, nil
}

// ReportDataBreach assembles a breach notification with its 72 hour
// deadline, submits it, and adds the severity's audit findings.
func (t *Tracker) ReportDataBreach(ctx context.Context, in compliance.BreachInput) (notice *compliance.BreachNotification, err error) {
	ctx, done := t.begin(ctx, "report_data_breach")
	defer func() { done(err) }()

	notice, err = compliance.NewBreachNotification(in, t.now())
	if err != nil {
		t.fail(ctx, "Invalid breach report", describe(err), err)
		return nil, err
	}

	if perr := t.repo.SubmitBreachNotification(ctx, notice); perr != nil {
		err = errors.NewPersistError("breach notification", perr)
		t.fail(ctx, "Failed to report data breach", "The breach report was not submitted. Please try again.", err)
		return nil, err
	}

	m := t.commit(func(s *state) {
		s.metrics = s.metrics.ApplyBreach(notice.Severity)
	})
	t.persistMetrics(ctx)

	t.logger.Warn("Data breach reported",
		zap.String("breach_id", notice.ID.String()),
		zap.String("severity", notice.Severity.String()),
		zap.Int("affected_users", notice.AffectedUsers),
		zap.Time("notification_deadline", notice.NotificationDeadline),
		zap.Int("audit_findings", m.AuditFindings),
	)
	t.succeed(ctx, "Data breach reported",
		fmt.Sprintf("The supervisory authority must be notified by %s.", notice.NotificationDeadline.Format(time.RFC1123)))

	out := *notice
	return &out, nil
}

// GenerateAuditReport delivers an audit report to the configured sink in the
// configured format.
func (t *Tracker) GenerateAuditReport(ctx context.Context) (*ReportResult, error) {
	return t.DeliverAuditReport(ctx, t.sink, t.format)
}

// DeliverAuditReport snapshots the tracker, serializes the snapshot and hands
// it to sink under a dated filename.
func (t *Tracker) DeliverAuditReport(ctx context.Context, sink ReportSink, format ReportFormat) (result *ReportResult, err error) {
	ctx, done := t.begin(ctx, "generate_audit_report", attribute.String("report.format", string(format)))
	defer func() { done(err) }()

	if sink == nil {
		err = errors.NewReportError(stderrors.New("no report sink configured"))
		t.fail(ctx, "Failed to generate report", "No report destination is configured.", err)
		return nil, err
	}
	if format == "" {
		format = t.format
	}

	now := t.now()

	t.mu.RLock()
	metricsSnapshot := t.state.metrics
	mappings := slices.Clone(t.state.mappings)
	consents := t.state.consents
	if len(consents) > compliance.ReportConsentLimit {
		consents = consents[:compliance.ReportConsentLimit]
	}
	consents = slices.Clone(consents)
	t.mu.RUnlock()

	report := compliance.NewAuditReport(now, metricsSnapshot, mappings, consents)

	payload, encErr := EncodeReport(report, format)
	if encErr != nil {
		err = errors.NewReportError(encErr)
		t.fail(ctx, "Failed to generate report", "The audit report could not be serialized.", err)
		return nil, err
	}

	filename := compliance.ReportFilename(now, format.Extension())
	if derr := sink.Deliver(ctx, filename, format.ContentType(), payload); derr != nil {
		err = errors.NewReportError(derr).WithDetails(map[string]interface{}{"filename": filename})
		t.fail(ctx, "Failed to generate report", "The audit report could not be delivered.", err)
		return nil, err
	}

	if t.registry != nil {
		t.registry.RecordReport(ctx, string(format), len(payload))
	}
	t.logger.Info("Audit report delivered",
		zap.String("filename", filename),
		zap.Int("bytes", len(payload)),
		zap.Int("data_mappings", len(report.DataMappings)),
		zap.Int("consent_records", len(report.ConsentRecords)),
	)
	t.succeed(ctx, "Audit report generated", fmt.Sprintf("%s is ready.", filename))

	return &ReportResult{
		Filename:    filename,
		ContentType: format.ContentType(),
		Size:        len(payload),
		Report:      report,
	}, nil
}

// Hydrate reloads the persisted data mappings and the newest consent records
// into memory. Metrics are not touched; call FetchMetrics for those.
func (t *Tracker) Hydrate(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "Tracker.Hydrate")
	defer span.End()

	mappings, err := t.repo.ListDataMappings(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.NewExternalError("store", "failed to load data mappings").WithCause(err)
	}

	consents, err := t.repo.ListConsentRecords(ctx, t.hydrateLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.NewExternalError("store", "failed to load consent records").WithCause(err)
	}

	t.commit(func(s *state) {
		s.mappings = append([]*compliance.DataMapping{}, mappings...)
		s.consents = append([]*compliance.ConsentRecord{}, consents...)
	})

	t.logger.Info("Tracker hydrated",
		zap.Int("data_mappings", len(mappings)),
		zap.Int("consent_records", len(consents)),
	)
	return nil
}

// commit applies fn to the state under the write lock and recomputes the
// overall score before releasing it, so readers never see a stale score.
func (t *Tracker) commit(fn func(s *state)) compliance.Metrics {
	t.mu.Lock()
	fn(&t.state)
	t.state.metrics = t.state.metrics.WithScore()
	snapshot := t.state.metrics
	t.mu.Unlock()

	t.publishPosture(snapshot)
	return snapshot
}

// seedMetrics stores the current posture when the source has no metrics
// yet and commits it as a successful fetch.
func (t *Tracker) seedMetrics(ctx context.Context, notFound error) (compliance.Metrics, error) {
	t.recordMu.Lock()
	defer t.recordMu.Unlock()

	seed := t.Metrics()
	seed.LastUpdate = t.now().UTC()

	if rerr := t.recorder.RecordMetrics(context.WithoutCancel(ctx), seed); rerr != nil {
		err := errors.NewFetchError(stderrors.Join(notFound, rerr))
		t.fail(ctx, "Failed to fetch metrics", "Compliance metrics could not be refreshed. Showing the last known values.", err)
		return compliance.Metrics{}, err
	}

	m := t.commit(func(s *state) {
		s.metrics.LastUpdate = seed.LastUpdate
	})

	t.logger.Info("No stored metrics, seeded the current posture",
		zap.Int("overall_score", m.OverallScore),
		zap.Int("audit_findings", m.AuditFindings),
	)
	return m, nil
}

// persistMetrics writes the committed metrics to the recorder. Writes are
// serialized and each one reads the newest snapshot, so the stored figures
// never move backwards. A failed write is logged; the mutation itself has
// already been persisted.
func (t *Tracker) persistMetrics(ctx context.Context) {
	if t.recorder == nil {
		return
	}

	t.recordMu.Lock()
	defer t.recordMu.Unlock()

	snapshot := t.Metrics()
	snapshot.LastUpdate = t.now().UTC()

	if err := t.recorder.RecordMetrics(context.WithoutCancel(ctx), snapshot); err != nil {
		t.logger.Warn("Failed to persist metrics snapshot",
			zap.Error(err),
			zap.Int("audit_findings", snapshot.AuditFindings),
			zap.String("consent_rate", snapshot.ConsentRate.String()),
		)
	}
}

// begin marks an operation in flight and opens its span. The returned func
// must be called exactly once with the operation's result.
func (t *Tracker) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	t.inFlight.Add(1)
	start := time.Now()

	ctx, span := t.tracer.Start(ctx, "Tracker."+operation, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		defer t.inFlight.Add(-1)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if t.registry != nil {
			t.registry.RecordOperation(ctx, operation, time.Since(start), err)
		}
	}
}

func (t *Tracker) succeed(ctx context.Context, title, description string) {
	t.notify(ctx, compliance.Notification{
		Title:       title,
		Description: description,
		Variant:     compliance.VariantDefault,
	})
}

func (t *Tracker) fail(ctx context.Context, title, description string, err error) {
	t.logger.Error(title, zap.Error(err))
	t.notify(ctx, compliance.Notification{
		Title:       title,
		Description: description,
		Variant:     compliance.VariantDestructive,
	})
}

func (t *Tracker) notify(ctx context.Context, n compliance.Notification) {
	// Notifications outlive a cancelled request but keep its trace values.
	t.notifier.Notify(context.WithoutCancel(ctx), n)
	if t.registry != nil {
		t.registry.RecordNotification(ctx, string(n.Variant))
	}
}

func (t *Tracker) publishPosture(m compliance.Metrics) {
	if t.registry != nil {
		t.registry.SetPosture(m.OverallScore, m.ConsentRate.InexactFloat64(), m.AuditFindings)
	}
}

// describe turns a validation error into operator-facing text
func describe(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
